package api

import "fmt"

// DecodeError is malformed JSON or non UTF-8 bytes.
type DecodeError struct {
	What string
	Data []byte
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("decode %s data=%q", e.What, truncate(e.Data, 64))
	}
	return fmt.Sprintf("decode %s err=%v data=%q", e.What, e.Err, truncate(e.Data, 64))
}

// ParseError is invalid identity or region identifier.
type ParseError struct {
	What  string
	Input string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("parse %s input=%q", e.What, e.Input)
	}
	return fmt.Sprintf("parse %s input=%q err=%v", e.What, e.Input, e.Err)
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}

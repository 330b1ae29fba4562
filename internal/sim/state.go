package sim

import (
	"encoding/json"
	"sync"

	"github.com/temoto/roomba/api"
)

// Mission phases as reported by appliance in cleanMissionStatus.phase.
const (
	PhaseCharge = "charge"
	PhaseRun    = "run"
	PhaseStop   = "stop"
	PhaseDock   = "hmUsrDock"
	PhaseEvac   = "evac"
)

type missionStatus struct {
	Cycle string `json:"cycle"`
	Phase string `json:"phase"`
}

type lastCommand struct {
	Command   string       `json:"command"`
	Time      int64        `json:"time"`
	Initiator string       `json:"initiator"`
	MapID     string       `json:"pmap_id,omitempty"`
	Regions   []api.Region `json:"regions,omitempty"`
	Ordered   *api.Ordered `json:"ordered,omitempty"`
}

// reported is simulated state.reported document
type reported struct {
	mu sync.Mutex

	Name         string              `json:"name"`
	BatPct       int                 `json:"batPct"`
	Bin          map[string]bool     `json:"bin"`
	CleanMission missionStatus       `json:"cleanMissionStatus"`
	LastCommand  *lastCommand        `json:"lastCommand,omitempty"`
	Pmaps        []map[string]string `json:"pmaps"`
	SoftwareVer  string              `json:"softwareVer"`
}

func newReported(name, mapID, mapVersion string) *reported {
	return &reported{
		Name:         name,
		BatPct:       100,
		Bin:          map[string]bool{"present": true, "full": false},
		CleanMission: missionStatus{Cycle: "none", Phase: PhaseCharge},
		Pmaps:        []map[string]string{{mapID: mapVersion}},
		SoftwareVer:  "sim+3.14",
	}
}

// apply changes state according to command, returns delta document body.
func (r *reported) apply(m api.Message) map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	cycle := r.CleanMission.Cycle
	switch m.Command {
	case api.CommandStart, api.CommandClean, api.CommandResume:
		r.CleanMission = missionStatus{Cycle: "clean", Phase: PhaseRun}
		if r.BatPct > 5 {
			r.BatPct -= 5
		}
	case api.CommandTrain:
		r.CleanMission = missionStatus{Cycle: "train", Phase: PhaseRun}
	case api.CommandPause, api.CommandStop:
		r.CleanMission = missionStatus{Cycle: cycle, Phase: PhaseStop}
	case api.CommandDock:
		r.CleanMission = missionStatus{Cycle: "dock", Phase: PhaseDock}
	case api.CommandEvac:
		r.CleanMission = missionStatus{Cycle: "evac", Phase: PhaseEvac}
		r.Bin["full"] = false
	}
	lc := &lastCommand{
		Command:   m.Command.String(),
		Time:      m.Time,
		Initiator: m.Initiator,
	}
	if sel := m.Regions; sel != nil {
		lc.MapID = sel.MapID
		lc.Regions = sel.Regions
		ordered := sel.Ordered
		lc.Ordered = &ordered
	}
	r.LastCommand = lc
	return map[string]interface{}{
		"cleanMissionStatus": r.CleanMission,
		"lastCommand":        lc,
		"batPct":             r.BatPct,
	}
}

func (r *reported) marshal() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return shadowDoc(r)
}

func (r *reported) phase() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.CleanMission.Phase
}

func shadowDoc(body interface{}) ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"state": map[string]interface{}{"reported": body},
	})
}

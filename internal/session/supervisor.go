package session

import "hls-bridge/internal/transcode"

type transcodeSupervisor struct {
	sup *transcode.Supervisor
}

// NewTranscodeSupervisor adapts a transcode.Supervisor to Supervisor.
func NewTranscodeSupervisor(sup *transcode.Supervisor) Supervisor {
	return transcodeSupervisor{sup: sup}
}

func (t transcodeSupervisor) Start(address SourceAddress, outputDir string) (Process, error) {
	h, err := t.sup.Start(string(address), outputDir)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (t transcodeSupervisor) Stop(p Process) {
	if h, ok := p.(*transcode.Handle); ok {
		t.sup.Stop(h)
	}
}

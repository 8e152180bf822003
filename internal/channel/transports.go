package channel

import (
	"fmt"
	"log/slog"

	"github.com/me/clusterui/pkg/model"
)

// TransportConfig names the client binaries and the pool they talk to.
type TransportConfig struct {
	Pool         string
	Name         string
	SSHToJobBin  string
	SSHBin       string
	VNCViewerBin string
}

// DefaultTransportConfig uses binaries from PATH.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		SSHToJobBin:  "condor_ssh_to_job",
		SSHBin:       "ssh",
		VNCViewerBin: "vncviewer",
	}
}

// NewDefaultRegistry registers every built-in transport.
func NewDefaultRegistry(cfg TransportConfig, logger *slog.Logger) *Registry {
	def := DefaultTransportConfig()
	if cfg.SSHToJobBin == "" {
		cfg.SSHToJobBin = def.SSHToJobBin
	}
	if cfg.SSHBin == "" {
		cfg.SSHBin = def.SSHBin
	}
	if cfg.VNCViewerBin == "" {
		cfg.VNCViewerBin = def.VNCViewerBin
	}

	r := NewRegistry(logger)
	r.Register(&sshToJob{cfg: cfg, kind: model.TransportTerminal})
	r.Register(&sshToJob{cfg: cfg, kind: model.TransportX11, x11: true})
	r.Register(&directSSH{bin: cfg.SSHBin})
	r.Register(&vncViewer{bin: cfg.VNCViewerBin})
	r.Register(detached{})
	return r
}

// sshToJob attaches through the schedd with condor_ssh_to_job, which needs
// only the request id.
type sshToJob struct {
	cfg  TransportConfig
	kind model.TransportKind
	x11  bool
}

func (s *sshToJob) Kind() model.TransportKind { return s.kind }

func (s *sshToJob) Spec(t Target) (Spec, error) {
	if t.RequestID == "" {
		return Spec{}, fmt.Errorf("%s transport needs a request id", s.kind)
	}
	var args []string
	if s.x11 {
		args = append(args, "-X")
	}
	if s.cfg.Pool != "" {
		args = append(args, "-pool", s.cfg.Pool)
	}
	if s.cfg.Name != "" {
		args = append(args, "-name", s.cfg.Name)
	}
	args = append(args, t.RequestID)
	return Spec{Name: s.cfg.SSHToJobBin, Args: args, Mode: ModePTY}, nil
}

// directSSH logs into the execution host itself.
type directSSH struct {
	bin string
}

func (s *directSSH) Kind() model.TransportKind { return model.TransportSSH }

func (s *directSSH) Spec(t Target) (Spec, error) {
	host := t.Endpoint.Host()
	if host == "" {
		return Spec{}, fmt.Errorf("ssh transport needs an execution endpoint")
	}
	return Spec{Name: s.bin, Args: []string{"-t", host}, Mode: ModePTY}, nil
}

// vncViewer opens a graphical viewer on the published endpoint.
type vncViewer struct {
	bin string
}

func (v *vncViewer) Kind() model.TransportKind { return model.TransportVNC }

func (v *vncViewer) Spec(t Target) (Spec, error) {
	if t.Endpoint.IsZero() {
		return Spec{}, fmt.Errorf("vnc transport needs an execution endpoint")
	}
	return Spec{Name: v.bin, Args: []string{t.Endpoint.Address}, Mode: ModeInherit}, nil
}

type detached struct{}

func (detached) Kind() model.TransportKind { return model.TransportNone }

func (detached) Spec(Target) (Spec, error) { return Spec{Mode: ModeDetached}, nil }

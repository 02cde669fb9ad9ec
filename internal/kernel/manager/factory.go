package manager

import (
	"go.uber.org/zap"

	"github.com/t9md/hydrogen/internal/common/config"
	apperrors "github.com/t9md/hydrogen/internal/common/errors"
	"github.com/t9md/hydrogen/internal/common/logger"
	"github.com/t9md/hydrogen/internal/kernel"
	"github.com/t9md/hydrogen/internal/kernel/gateway"
	"github.com/t9md/hydrogen/internal/kernel/kernelspec"
	"github.com/t9md/hydrogen/internal/kernel/supervisor"
	"github.com/t9md/hydrogen/internal/kernel/zmqkernel"
)

// Factory builds unstarted kernel sessions.
type Factory interface {
	Launch(spec kernelspec.Spec, cwd string) kernel.Kernel
	Attach(spec kernelspec.Spec, connectionFile string) (kernel.Kernel, error)
}

// ProcessFactory builds ZeroMQ sessions for kernels launched on this host.
type ProcessFactory struct {
	Supervisor supervisor.Supervisor
	Config     config.KernelConfig
	Prompter   kernel.Prompter
	Logger     *logger.Logger
}

func (f *ProcessFactory) options(spec kernelspec.Spec) zmqkernel.Options {
	return zmqkernel.Options{
		Spec:           spec,
		Supervisor:     f.Supervisor,
		ConnectTimeout: f.Config.ConnectTimeoutDuration(),
		DialRetry:      f.Config.DialRetryDuration(),
		Prompter:       f.Prompter,
		Logger:         f.Logger,
	}
}

// Launch implements Factory.
func (f *ProcessFactory) Launch(spec kernelspec.Spec, cwd string) kernel.Kernel {
	opts := f.options(spec)
	opts.Launch = supervisor.LaunchOptions{Cwd: cwd}
	return zmqkernel.New(opts)
}

// Attach implements Factory.
func (f *ProcessFactory) Attach(spec kernelspec.Spec, connectionFile string) (kernel.Kernel, error) {
	return zmqkernel.Attach(connectionFile, f.options(spec)), nil
}

// GatewayFactory builds sessions for kernels hosted by a remote gateway.
type GatewayFactory struct {
	Client   *gateway.Client
	Config   config.KernelConfig
	Prompter kernel.Prompter
	Logger   *logger.Logger
}

// Launch implements Factory.
func (f *GatewayFactory) Launch(spec kernelspec.Spec, cwd string) kernel.Kernel {
	return gateway.New(gateway.Options{
		Spec:           spec,
		Client:         f.Client,
		Cwd:            cwd,
		ConnectTimeout: f.Config.ConnectTimeoutDuration(),
		Prompter:       f.Prompter,
		Logger:         f.Logger,
	})
}

// Attach implements Factory. Gateway kernels have no connection file.
func (f *GatewayFactory) Attach(kernelspec.Spec, string) (kernel.Kernel, error) {
	return nil, apperrors.Capability("gateway kernels cannot be attached by connection file")
}

// NewFactory picks the gateway factory when a gateway URL is configured
// and the local process factory otherwise. The gateway client is returned
// so its spec listing can back the registry; it is nil for local kernels.
func NewFactory(cfg *config.Config, prompter kernel.Prompter, log *logger.Logger) (Factory, *gateway.Client, error) {
	if cfg.UsesGateway() {
		client, err := gateway.NewClient(cfg.Gateway)
		if err != nil {
			return nil, nil, err
		}
		log.Info("using kernel gateway", zap.String("url", cfg.Gateway.URL))
		return &GatewayFactory{Client: client, Config: cfg.Kernel, Prompter: prompter, Logger: log}, client, nil
	}
	return &ProcessFactory{
		Supervisor: supervisor.NewLocal(cfg.Kernel, log),
		Config:     cfg.Kernel,
		Prompter:   prompter,
		Logger:     log,
	}, nil, nil
}

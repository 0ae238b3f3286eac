// Package docker launches sandbox browsers in browserless/chrome
// containers with the sandbox profile bind-mounted.
package docker

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/cookie-sandbox/internal/browser"
	"github.com/shehryarbajwa/cookie-sandbox/internal/cdp"
	"github.com/shehryarbajwa/cookie-sandbox/internal/harvest"
	"github.com/shehryarbajwa/cookie-sandbox/pkg/models"
)

// Name is the backend name
const Name = "docker"

// DefaultImage is used when no image is configured
const DefaultImage = "browserless/chrome:latest"

const (
	browserPort  = nat.Port("3000/tcp")
	profileMount = "/data"
)

// Options configures the launcher
type Options struct {
	Image         string
	LaunchTimeout time.Duration
}

// Launcher runs one container per sandbox
type Launcher struct {
	client *client.Client
	opts   Options
	log    logrus.FieldLogger

	mu       sync.Mutex
	sessions map[string]*Session
}

var _ browser.Launcher = (*Launcher)(nil)

// New connects to the Docker daemon from the environment
func New(opts Options, log logrus.FieldLogger) (*Launcher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %v: %w", err, browser.ErrConfiguration)
	}
	if opts.Image == "" {
		opts.Image = DefaultImage
	}
	if opts.LaunchTimeout <= 0 {
		opts.LaunchTimeout = 30 * time.Second
	}

	return &Launcher{
		client:   cli,
		opts:     opts,
		log:      log.WithFields(logrus.Fields{"backend": Name, "image": opts.Image}),
		sessions: make(map[string]*Session),
	}, nil
}

func (l *Launcher) Name() string { return Name }

// Check pings the daemon and pulls the image if it is missing
func (l *Launcher) Check(ctx context.Context) error {
	if _, err := l.client.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %v: %w", err, browser.ErrConfiguration)
	}
	if err := l.ensureImage(ctx); err != nil {
		return fmt.Errorf("image %s: %v: %w", l.opts.Image, err, browser.ErrConfiguration)
	}
	return nil
}

func (l *Launcher) ensureImage(ctx context.Context) error {
	images, err := l.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == l.opts.Image {
				return nil
			}
		}
	}

	l.log.Info("Pulling browser image")
	reader, err := l.client.ImagePull(ctx, l.opts.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// ContainerConfig builds the container and host configuration for a
// sandbox.
func ContainerConfig(img string, opts browser.LaunchOptions) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image: img,
		Labels: map[string]string{
			"sandbox-id": fmt.Sprint(opts.SandboxID),
			"managed-by": "cookie-sandbox",
		},
		Env: []string{
			"CONNECTION_TIMEOUT=-1",
			"MAX_CONCURRENT_SESSIONS=1",
			"PREBOOT_CHROME=true",
			"KEEP_ALIVE=true",
			"EXIT_ON_HEALTH_FAILURE=false",
			"DEFAULT_USER_DATA_DIR=" + profileMount,
			fmt.Sprintf("DEFAULT_HEADLESS=%t", opts.Headless),
		},
		ExposedPorts: nat.PortSet{browserPort: struct{}{}},
	}

	host := &container.HostConfig{
		PortBindings: nat.PortMap{
			browserPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: "0"}},
		},
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: opts.ProfileDir,
			Target: profileMount,
		}},
	}
	return cfg, host
}

// Launch creates and starts a container and waits for its debugging
// endpoint.
func (l *Launcher) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Session, error) {
	log := l.log.WithField("sandbox", opts.SandboxID)

	// The container user differs from ours and must write the profile.
	if err := os.Chmod(opts.ProfileDir, 0o777); err != nil {
		return nil, fmt.Errorf("prepare profile mount: %v: %w", err, browser.ErrLaunch)
	}

	cfg, host := ContainerConfig(l.opts.Image, opts)
	name := fmt.Sprintf("sandbox-%d-%s", opts.SandboxID, uuid.NewString()[:8])

	resp, err := l.client.ContainerCreate(ctx, cfg, host, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %v: %w", err, browser.ErrLaunch)
	}
	s := &Session{client: l.client, id: resp.ID, log: log.WithField("container", name)}

	if err := l.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = s.remove(context.Background())
		return nil, fmt.Errorf("failed to start container: %v: %w", err, browser.ErrLaunch)
	}

	inspect, err := l.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		_ = s.remove(context.Background())
		return nil, fmt.Errorf("failed to inspect container: %v: %w", err, browser.ErrLaunch)
	}
	bindings := inspect.NetworkSettings.Ports[browserPort]
	if len(bindings) == 0 {
		_ = s.remove(context.Background())
		return nil, fmt.Errorf("container %s published no port: %w", name, browser.ErrLaunch)
	}

	s.endpoint = cdp.NewEndpoint(net.JoinHostPort("127.0.0.1", bindings[0].HostPort), log)
	s.browser = cdp.NewBrowser(s.endpoint, log)

	if _, err := s.endpoint.WaitReady(ctx, l.opts.LaunchTimeout); err != nil {
		_ = s.remove(context.Background())
		return nil, err
	}

	l.mu.Lock()
	l.sessions[s.id] = s
	l.mu.Unlock()
	s.release = func() {
		l.mu.Lock()
		delete(l.sessions, s.id)
		l.mu.Unlock()
	}

	log.WithField("port", bindings[0].HostPort).Info("Browser container started")
	return s, nil
}

// Close removes every container still tracked and closes the client
func (l *Launcher) Close() error {
	l.mu.Lock()
	sessions := make([]*Session, 0, len(l.sessions))
	for _, s := range l.sessions {
		sessions = append(sessions, s)
	}
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, s := range sessions {
		_ = s.Terminate(ctx)
	}
	return l.client.Close()
}

// Session is a running browser container
type Session struct {
	client   *client.Client
	id       string
	log      logrus.FieldLogger
	endpoint *cdp.Endpoint
	browser  *cdp.Browser
	release  func()

	once    sync.Once
	stopErr error
}

var _ browser.Session = (*Session)(nil)

// Endpoint returns host:port of the published debugging endpoint
func (s *Session) Endpoint() string {
	return s.endpoint.Addr()
}

func (s *Session) ActivePage(ctx context.Context) (browser.Page, error) {
	return s.browser.ActivePage(ctx)
}

func (s *Session) HarvestCookies(ctx context.Context, urls []string) ([]models.Cookie, error) {
	return harvest.Collect(ctx, []*cdp.Endpoint{s.endpoint}, urls, s.log)
}

func (s *Session) Alive() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	inspect, err := s.client.ContainerInspect(ctx, s.id)
	if err != nil {
		return false
	}
	return inspect.State.Running
}

// Terminate stops and removes the container
func (s *Session) Terminate(ctx context.Context) error {
	s.once.Do(func() {
		if s.browser != nil {
			s.browser.Detach()
		}
		if s.release != nil {
			s.release()
		}
		s.stopErr = s.remove(ctx)
	})
	return s.stopErr
}

func (s *Session) remove(ctx context.Context) error {
	timeout := 10
	if err := s.client.ContainerStop(ctx, s.id, container.StopOptions{Timeout: &timeout}); err != nil {
		s.log.WithError(err).Warn("Failed to stop container")
	}
	if err := s.client.ContainerRemove(ctx, s.id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

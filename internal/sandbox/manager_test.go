package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/shehryarbajwa/cookie-sandbox/internal/automation"
	"github.com/shehryarbajwa/cookie-sandbox/internal/backend"
	"github.com/shehryarbajwa/cookie-sandbox/internal/browser"
	"github.com/shehryarbajwa/cookie-sandbox/internal/browser/browsertest"
	"github.com/shehryarbajwa/cookie-sandbox/internal/harvest"
	"github.com/shehryarbajwa/cookie-sandbox/internal/metrics"
	"github.com/shehryarbajwa/cookie-sandbox/internal/profile"
	"github.com/shehryarbajwa/cookie-sandbox/internal/registry"
	"github.com/shehryarbajwa/cookie-sandbox/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const identities = "a@x.com;pw1;r@x.com"

var sessionCookie = models.Cookie{Name: "sid", Value: "1", Domain: ".example.com", Path: "/"}

type fixture struct {
	mgr      *Manager
	fs       afero.Fs
	launcher *browsertest.Launcher
	reg      *registry.Registry
	store    *harvest.Store
	hook     *test.Hook
}

func newFixture(t *testing.T, launchers ...browser.Launcher) *fixture {
	t.Helper()

	f := &fixture{fs: afero.NewMemMapFs(), reg: registry.New()}
	if len(launchers) == 0 {
		f.launcher = &browsertest.Launcher{
			NameValue: "fake",
			NewPage:   func(browser.LaunchOptions) *browsertest.Page { return loginPage() },
			Cookies:   []models.Cookie{sessionCookie},
		}
		launchers = []browser.Launcher{f.launcher}
	}

	backends, err := backend.NewManager(launchers...)
	require.NoError(t, err)
	profiles, err := profile.NewManager(f.fs, "/data/profiles", "/data/archives")
	require.NoError(t, err)
	f.store, err = harvest.NewStore(f.fs, "/data/cookies")
	require.NoError(t, err)

	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	f.hook = hook

	timeouts := automation.DefaultTimeouts()
	timeouts.Grace = 0

	f.mgr = NewManager(f.reg, backends, profiles, f.store, automation.New(timeouts, log), metrics.New(), Options{
		MaxBatch:              10,
		MaxConcurrentLaunches: 2,
		ArchiveProfiles:       true,
	}, log)
	t.Cleanup(func() { _ = f.mgr.Shutdown(context.Background()) })
	return f
}

// loginPage answers the identity-provider sequence
func loginPage() *browsertest.Page {
	return browsertest.NewPage().
		Set(`input[type="email"]`, browsertest.Visible("")).
		Set(`input[type="password"]`, browsertest.Visible("")).
		Set("button", browsertest.Visible("Next"))
}

func (f *fixture) create(t *testing.T, req models.CreateSandboxesRequest) []models.Sandbox {
	t.Helper()

	created, err := f.mgr.Create(context.Background(), req)
	require.NoError(t, err)

	ids := make([]int64, len(created))
	for i, sb := range created {
		ids[i] = sb.ID
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.mgr.Wait(ctx, ids...))

	out := make([]models.Sandbox, len(ids))
	for i, id := range ids {
		sb, err := f.mgr.Get(id)
		require.NoError(t, err)
		out[i] = sb
	}
	return out
}

func hasLog(sb models.Sandbox, text string) bool {
	for _, l := range sb.Logs {
		if strings.Contains(l, text) {
			return true
		}
	}
	return false
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)

	cases := map[string]models.CreateSandboxesRequest{
		"zero count":      {Count: 0, TargetURL: "https://example.com"},
		"over max batch":  {Count: 11, TargetURL: "https://example.com"},
		"empty target":    {Count: 1, TargetURL: "  "},
		"bad scheme":      {Count: 1, TargetURL: "ftp://example.com"},
		"empty pool":      {Count: 1, TargetURL: "https://example.com", UseIdentityLogin: true, Identities: "only-two;fields"},
		"unknown backend": {Count: 1, TargetURL: "https://example.com", Backend: "safari"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.mgr.Create(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
	assert.Zero(t, f.reg.Len(), "no record exists after a rejected request")
}

func TestCreateBackendUnavailable(t *testing.T) {
	launcher := &browsertest.Launcher{CheckErr: browser.ErrConfiguration}
	f := newFixture(t, launcher)

	_, err := f.mgr.Create(context.Background(), models.CreateSandboxesRequest{Count: 1, TargetURL: "https://example.com"})
	assert.ErrorIs(t, err, browser.ErrConfiguration)
	assert.Zero(t, f.reg.Len())
	assert.Empty(t, launcher.Sessions())
}

func TestCreateReturnsInitializingSnapshots(t *testing.T) {
	f := newFixture(t)

	created, err := f.mgr.Create(context.Background(), models.CreateSandboxesRequest{
		Count: 3, TargetURL: "example.com",
	})
	require.NoError(t, err)
	require.Len(t, created, 3)

	for i, sb := range created {
		assert.Equal(t, models.StatusInitializing, sb.Status)
		assert.Equal(t, "https://example.com", sb.TargetURL)
		assert.Equal(t, "fake", sb.Backend)
		if i > 0 {
			assert.Greater(t, sb.ID, created[i-1].ID)
		}
	}
	require.NoError(t, f.mgr.Wait(context.Background(), created[0].ID, created[1].ID, created[2].ID))
}

func TestCreateSingleIdentityEndToEnd(t *testing.T) {
	f := newFixture(t)
	f.launcher.CookiesFor = func(opts browser.LaunchOptions) []models.Cookie {
		c := sessionCookie
		c.Value = fmt.Sprintf("sandbox-%d", opts.SandboxID)
		return []models.Cookie{c}
	}

	got := f.create(t, models.CreateSandboxesRequest{
		Count:            2,
		TargetURL:        "https://example.com",
		UseIdentityLogin: true,
		Identities:       identities,
	})
	require.Len(t, got, 2)

	for _, sb := range got {
		assert.Equal(t, models.StatusRunning, sb.Status, sb.Logs)
		assert.Equal(t, "a@x.com", sb.AccountEmail)
		assert.Equal(t, "https://example.com", sb.LastObservedURL)
		assert.Equal(t, fmt.Sprintf("a_x.com-example.com-%d.txt", sb.ID), sb.CookieFile)
		assert.Equal(t, 1, sb.CookieCount)
		assert.True(t, hasLog(sb, "Identity login finished"))

		data, err := afero.ReadFile(f.fs, "/data/cookies/"+sb.CookieFile)
		require.NoError(t, err)
		assert.Contains(t, string(data), "name: sid")
		assert.Contains(t, string(data), fmt.Sprintf("value: sandbox-%d\n", sb.ID))
	}
	assert.NotEqual(t, got[0].CookieFile, got[1].CookieFile)

	for _, s := range f.launcher.Sessions() {
		assert.Equal(t, []string{automation.IdentityProviderURL, "https://example.com"}, s.Page().Navigations())
		assert.Equal(t, [][]string{{"https://example.com/", "http://example.com/"}}, s.HarvestURLs())
	}

	files, err := f.store.List()
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.ElementsMatch(t, []string{got[0].CookieFile, got[1].CookieFile}, []string{files[0].Name, files[1].Name})
}

func TestCreateRoundRobin(t *testing.T) {
	f := newFixture(t)

	got := f.create(t, models.CreateSandboxesRequest{
		Count:            5,
		TargetURL:        "https://example.com",
		UseIdentityLogin: true,
		Identities:       "a@x.com;pw1;r@x.com\nb@x.com;pw2;s@x.com",
	})

	var emails []string
	for _, sb := range got {
		emails = append(emails, sb.AccountEmail)
	}
	assert.Equal(t, []string{"a@x.com", "b@x.com", "a@x.com", "b@x.com", "a@x.com"}, emails)
}

func TestPipelineLaunchFailure(t *testing.T) {
	launcher := &browsertest.Launcher{LaunchErr: browser.ErrLaunch}
	f := newFixture(t, launcher)

	got := f.create(t, models.CreateSandboxesRequest{Count: 1, TargetURL: "https://example.com"})[0]
	assert.Equal(t, models.StatusError, got.Status)
	assert.Contains(t, got.Error, "Launch failed")
	assert.NotEmpty(t, got.Logs)
}

func TestPipelineIdentityLoginFailure(t *testing.T) {
	f := newFixture(t)
	f.launcher.NewPage = func(browser.LaunchOptions) *browsertest.Page { return browsertest.NewPage() }

	got := f.create(t, models.CreateSandboxesRequest{
		Count: 1, TargetURL: "https://example.com", UseIdentityLogin: true, Identities: identities,
	})[0]

	assert.Equal(t, models.StatusError, got.Status, "a failed login stays visible")
	assert.Contains(t, got.Error, "Identity login failed")
	assert.Contains(t, got.Error, "email step")
	assert.Equal(t, []string{automation.IdentityProviderURL}, f.launcher.Sessions()[0].Page().Navigations())
	assert.Empty(t, got.CookieFile)
}

func TestPipelineNavigationFailure(t *testing.T) {
	f := newFixture(t)
	f.launcher.NewPage = func(browser.LaunchOptions) *browsertest.Page {
		p := browsertest.NewPage()
		p.NavigateErr = errors.New("net::ERR_NAME_NOT_RESOLVED")
		return p
	}

	got := f.create(t, models.CreateSandboxesRequest{Count: 1, TargetURL: "https://nowhere.invalid"})[0]
	assert.Equal(t, models.StatusError, got.Status)
	assert.Contains(t, got.Error, "ERR_NAME_NOT_RESOLVED")
}

func TestPipelineHarvestFailureKeepsStatus(t *testing.T) {
	f := newFixture(t)
	f.launcher.HarvestErr = browser.ErrProtocol

	got := f.create(t, models.CreateSandboxesRequest{Count: 1, TargetURL: "https://example.com"})[0]
	assert.Equal(t, models.StatusRunning, got.Status)
	assert.Empty(t, got.CookieFile)
	assert.Zero(t, got.CookieCount)
	assert.True(t, hasLog(got, "Cookie harvest failed"))
}

func TestPipelineAnonymousCookieFile(t *testing.T) {
	f := newFixture(t)

	got := f.create(t, models.CreateSandboxesRequest{Count: 1, TargetURL: "https://Example.com/login"})[0]
	assert.Equal(t, models.StatusRunning, got.Status)
	assert.Regexp(t, fmt.Sprintf(`^anonymous-example\.com-%d-\d{4}\.txt$`, got.ID), got.CookieFile)
	assert.Empty(t, got.AccountEmail)
}

func TestPipelineKeepsExistingCookieFiles(t *testing.T) {
	f := newFixture(t)
	for id := 1; id <= 5; id++ {
		name := fmt.Sprintf("a_x.com-example.com-%d.txt", id)
		require.NoError(t, f.store.Write(name, []models.Cookie{{Name: "old", Value: "kept", Domain: "example.com", Path: "/"}}))
	}

	got := f.create(t, models.CreateSandboxesRequest{
		Count: 1, TargetURL: "https://example.com", UseIdentityLogin: true, Identities: identities,
	})[0]
	require.Equal(t, models.StatusRunning, got.Status, got.Logs)
	assert.Equal(t, fmt.Sprintf("a_x.com-example.com-%d-2.txt", got.ID), got.CookieFile)

	previous, err := afero.ReadFile(f.fs, fmt.Sprintf("/data/cookies/a_x.com-example.com-%d.txt", got.ID))
	require.NoError(t, err)
	assert.Contains(t, string(previous), "value: kept")
}

func TestSiteAutomationNeedsIdentityLogin(t *testing.T) {
	f := newFixture(t)

	got := f.create(t, models.CreateSandboxesRequest{
		Count: 1, TargetURL: "https://example.com", EnableSiteAutomation: true,
	})[0]
	assert.Equal(t, models.StatusRunning, got.Status)
	assert.True(t, hasLog(got, "Site automation skipped"))
}

func TestSiteAutomationMissingTriggerIsSoft(t *testing.T) {
	f := newFixture(t)

	got := f.create(t, models.CreateSandboxesRequest{
		Count: 1, TargetURL: "https://example.com", UseIdentityLogin: true,
		EnableSiteAutomation: true, Identities: identities,
	})[0]
	assert.Equal(t, models.StatusRunning, got.Status)
	assert.True(t, hasLog(got, "Site automation skipped"))
	assert.Equal(t, fmt.Sprintf("a_x.com-example.com-%d.txt", got.ID), got.CookieFile)
}

func TestDeleteOrdering(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var dirAtTerminate bool
	var registeredAtTerminate bool
	f.launcher.OnTerminate = func(s *browsertest.Session) {
		exists, _ := afero.DirExists(f.fs, s.Opts.ProfileDir)
		_, err := f.reg.Get(s.Opts.SandboxID)
		mu.Lock()
		dirAtTerminate, registeredAtTerminate = exists, err == nil
		mu.Unlock()
	}

	sb := f.create(t, models.CreateSandboxesRequest{Count: 1, TargetURL: "https://example.com"})[0]
	session := f.launcher.Sessions()[0]
	require.True(t, session.Alive())

	require.NoError(t, f.mgr.Delete(context.Background(), sb.ID))

	mu.Lock()
	assert.True(t, dirAtTerminate, "the profile exists while the browser is terminated")
	assert.True(t, registeredAtTerminate)
	mu.Unlock()

	assert.False(t, session.Alive())
	assert.Equal(t, 1, session.Terminations())
	exists, err := afero.DirExists(f.fs, session.Opts.ProfileDir)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = f.mgr.Get(sb.ID)
	assert.ErrorIs(t, err, registry.ErrNotFound)

	archives, err := afero.ReadDir(f.fs, "/data/archives")
	require.NoError(t, err)
	assert.Len(t, archives, 1)

	assert.ErrorIs(t, f.mgr.Delete(context.Background(), sb.ID), registry.ErrNotFound)
}

// blockingLauncher never finishes a launch until cancelled
type blockingLauncher struct {
	*browsertest.Launcher
	started chan struct{}
}

func (l *blockingLauncher) Launch(ctx context.Context, _ browser.LaunchOptions) (browser.Session, error) {
	close(l.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestDeleteCancelsPipeline(t *testing.T) {
	launcher := &blockingLauncher{Launcher: &browsertest.Launcher{}, started: make(chan struct{})}
	f := newFixture(t, launcher)

	created, err := f.mgr.Create(context.Background(), models.CreateSandboxesRequest{Count: 1, TargetURL: "https://example.com"})
	require.NoError(t, err)

	<-launcher.started
	require.NoError(t, f.mgr.Delete(context.Background(), created[0].ID))
	assert.Zero(t, f.reg.Len())

	entries, err := afero.ReadDir(f.fs, "/data/profiles")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestHarvestOverwritesCookieFile(t *testing.T) {
	f := newFixture(t)

	sb := f.create(t, models.CreateSandboxesRequest{
		Count: 1, TargetURL: "https://example.com", UseIdentityLogin: true, Identities: identities,
	})[0]
	session := f.launcher.Sessions()[0]
	session.Page().SetURL("https://example.com/account")

	got, err := f.mgr.Harvest(context.Background(), sb.ID)
	require.NoError(t, err)
	assert.Equal(t, sb.CookieFile, got.CookieFile)
	assert.Equal(t, "https://example.com/account", session.HarvestURLs()[1][0])

	files, err := f.store.List()
	require.NoError(t, err)
	assert.Len(t, files, 1)

	_, err = f.mgr.Harvest(context.Background(), 999)
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestHarvestRequiresRunningSandbox(t *testing.T) {
	launcher := &browsertest.Launcher{LaunchErr: browser.ErrLaunch}
	f := newFixture(t, launcher)

	sb := f.create(t, models.CreateSandboxesRequest{Count: 1, TargetURL: "https://example.com"})[0]
	_, err := f.mgr.Harvest(context.Background(), sb.ID)
	assert.ErrorIs(t, err, ErrNotReady)

	_, err = f.mgr.Endpoint(sb.ID)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestShutdown(t *testing.T) {
	f := newFixture(t)

	f.create(t, models.CreateSandboxesRequest{Count: 3, TargetURL: "https://example.com"})
	require.NoError(t, f.mgr.Shutdown(context.Background()))

	assert.Zero(t, f.reg.Len())
	assert.True(t, f.launcher.Closed())
	for _, s := range f.launcher.Sessions() {
		assert.False(t, s.Alive())
	}

	_, err := f.mgr.Create(context.Background(), models.CreateSandboxesRequest{Count: 1, TargetURL: "https://example.com"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	got, err := NormalizeURL(" example.com/path ")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/path", got)

	got, err = NormalizeURL("http://localhost:8080")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", got)

	_, err = NormalizeURL("javascript://x")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/cookie-sandbox/internal/browser/chrome"
	"github.com/shehryarbajwa/cookie-sandbox/internal/browser/playwright"
	"github.com/shehryarbajwa/cookie-sandbox/internal/config"
	"github.com/shehryarbajwa/cookie-sandbox/pkg/models"
)

func TestPrintTable(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	printTable(&buf, []models.Sandbox{
		{ID: 1, Status: models.StatusRunning, AccountEmail: "a@x.com", CookieFile: "a_x.com-example.com-1.txt", CookieCount: 4},
		{ID: 2, Status: models.StatusError, Error: "Identity login failed: email step"},
	}, "storage/cookies")

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ID   STATUS"))
	assert.Contains(t, lines[1], "running")
	assert.Contains(t, lines[1], "storage/cookies/a_x.com-example.com-1.txt")
	assert.Contains(t, lines[2], "Identity login failed")
	assert.Contains(t, lines[2], " - ")
	assert.Equal(t, strings.Index(lines[1], "a@x.com"), strings.Index(lines[0], "ACCOUNT"), "columns line up")
}

func TestBuildLaunchersDefaultFirst(t *testing.T) {
	cfg := config.Default()
	cfg.Backend = playwright.Name
	log, _ := test.NewNullLogger()

	launchers, err := buildLaunchers(cfg, log)
	require.NoError(t, err)
	require.NotEmpty(t, launchers)
	assert.Equal(t, playwright.Name, launchers[0].Name())

	names := make([]string, len(launchers))
	for i, l := range launchers {
		names[i] = l.Name()
	}
	assert.Contains(t, names, chrome.Name)
}

func TestRunRequiresURL(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"run", "--count", "1"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "url")
}

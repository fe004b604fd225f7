package executor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sefaz-fila/internal/errors"
	"sefaz-fila/internal/models"
)

func TestRegistryDispatchesByKind(t *testing.T) {
	var got []models.JobKind
	record := func(kind models.JobKind) Func {
		return func(_ context.Context, job models.Job) error {
			got = append(got, kind)
			return nil
		}
	}

	reg := NewRegistry(nil)
	reg.Register(models.KindConsultation, record(models.KindConsultation))
	reg.Register(models.KindMessageScan, record(models.KindMessageScan))
	reg.Register("", record("ignored"))

	ctx := context.Background()
	require.NoError(t, reg.Execute(ctx, models.Job{Kind: models.KindMessageScan}))
	require.NoError(t, reg.Execute(ctx, models.Job{Kind: models.KindConsultation}))
	assert.Equal(t, []models.JobKind{models.KindMessageScan, models.KindConsultation}, got)

	err := reg.Execute(ctx, models.Job{Kind: "unknown"})
	assert.True(t, errors.Is(err, errors.ErrExecutor))
}

func TestRegistryFallback(t *testing.T) {
	called := false
	reg := NewRegistry(Func(func(context.Context, models.Job) error {
		called = true
		return nil
	}))
	require.NoError(t, reg.Execute(context.Background(), models.Job{Kind: models.KindMessageScan}))
	assert.True(t, called)
}

func TestBrowserReportsLaunchFailure(t *testing.T) {
	b := NewBrowser(BrowserConfig{
		Headless:  true,
		PortalURL: "about:blank",
		ExecPath:  "/nonexistent/chrome-for-tests",
	}, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := b.Execute(ctx, models.Job{ID: "j1", CompanyID: 9, Kind: models.KindConsultation})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrExecutor))
	assert.Contains(t, err.Error(), "company 9")
}

func TestDescribe(t *testing.T) {
	cases := []struct {
		raw      string
		category Category
		contains string
	}{
		{"", CategoryOther, "desconhecido"},
		{"login failed: senha inválida", CategoryLogin, "senha"},
		{"login page timeout", CategoryLogin, "demorou"},
		{"navigation timeout waiting for body", CategoryNavigation, "timeout"},
		{"menu jstree not found", CategoryMenu, "não encontrada"},
		{"sessão em conflito", CategorySession, "outra sessão"},
		{"captcha required", CategoryCaptcha, "verificação"},
		{"inscrição estadual inválida", CategoryValidation, "inscrição"},
		{"exec: \"google-chrome\": executable file not found in $PATH", CategoryBrowser, "Chrome"},
		{"executor timed out after 5m0s", CategoryTimeout, "demorou"},
		{"context canceled", CategoryCancelled, "cancelada"},
		{"unexpected EOF", CategoryOther, "unexpected EOF"},
	}
	for _, c := range cases {
		cat, msg := Describe(c.raw)
		assert.Equal(t, c.category, cat, c.raw)
		assert.Contains(t, msg, c.contains, c.raw)
	}

	_, msg := Describe(strings.Repeat("x", 300))
	assert.True(t, strings.HasSuffix(msg, "..."))
	assert.Less(t, len(msg), 120)
}

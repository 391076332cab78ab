package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testStamp = time.Date(2025, 7, 9, 12, 0, 0, 0, time.UTC)

func TestRunJobRecordsResult(t *testing.T) {
	s := New()
	s.SetClock(func() time.Time { return testStamp })
	require.NoError(t, s.Register("good", ScheduleDigest, "", func(context.Context) error { return nil }))
	require.NoError(t, s.Register("bad", ScheduleDigest, "", func(context.Context) error {
		return errors.New("datastore offline")
	}))

	res, err := s.RunJob(context.Background(), "good")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.Error)
	assert.Equal(t, testStamp, res.StartTime)

	res, err = s.RunJob(context.Background(), "bad")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "datastore offline", res.Error)

	_, err = s.RunJob(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, "job not found: missing", err.Error())

	results := s.Results()
	assert.True(t, results["good"].Success)
	assert.False(t, results["bad"].Success)
}

func TestRunJobContainsPanic(t *testing.T) {
	s := New()
	require.NoError(t, s.Register("panics", ScheduleReconcile, "", func(context.Context) error {
		panic("boom")
	}))

	res, err := s.RunJob(context.Background(), "panics")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "panic: boom")
}

func TestRegisterValidates(t *testing.T) {
	s := New()
	require.NoError(t, s.Register("tick", "@every 5s", "", func(context.Context) error { return nil }))

	err := s.Register("tick", "@every 5s", "", func(context.Context) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	err = s.Register("broken", "not-a-cron", "", func(context.Context) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), `schedule "not-a-cron"`)

	err = s.Register("nofunc", "@every 5s", "", nil)
	require.Error(t, err)
}

func TestApplyConfigOverrides(t *testing.T) {
	s := New()
	require.NoError(t, s.Register(JobRiskReport, ScheduleRiskReport, "", func(context.Context) error { return nil }))
	require.NoError(t, s.Register(JobDigest, ScheduleDigest, "", func(context.Context) error { return nil }))

	off := false
	err := s.ApplyConfig(Config{Jobs: []Override{
		{Name: JobRiskReport, Schedule: "30 20 * * *"},
		{Name: JobDigest, Enabled: &off},
		{Name: "unknown.job", Schedule: "@every 1h"},
	}})
	require.NoError(t, err)

	jobs := s.ListJobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "30 20 * * *", jobs[0].Schedule)
	assert.True(t, jobs[0].Enabled)
	assert.Equal(t, ScheduleDigest, jobs[1].Schedule)
	assert.False(t, jobs[1].Enabled)

	st := s.Status()
	assert.Equal(t, 1, st.EnabledJobs)
	assert.Equal(t, 1, st.DisabledJobs)
	assert.False(t, st.Running)
}

func TestApplyConfigRejectsBadSchedule(t *testing.T) {
	s := New()
	require.NoError(t, s.Register(JobDigest, ScheduleDigest, "", func(context.Context) error { return nil }))

	err := s.ApplyConfig(Config{Jobs: []Override{{Name: JobDigest, Schedule: "nope"}}})
	require.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadConfig(filepath.Join(dir, "absent.yaml"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Jobs)

	path := filepath.Join(dir, "scheduler.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
jobs:
  - name: reports.risk
    schedule: "15 21 * * *"
  - name: broker.reconcile
    enabled: false
`), 0o644))

	cfg, err = LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Jobs, 2)
	assert.Equal(t, "reports.risk", cfg.Jobs[0].Name)
	assert.Equal(t, "15 21 * * *", cfg.Jobs[0].Schedule)
	require.NotNil(t, cfg.Jobs[1].Enabled)
	assert.False(t, *cfg.Jobs[1].Enabled)

	_, err = LoadConfig(filepath.Join(dir, "scheduler.yaml"))
	require.NoError(t, err)
}

func TestSchedulerRunsJobOnCadence(t *testing.T) {
	s := New()
	ticks := make(chan struct{}, 16)
	require.NoError(t, s.Register("tick", "@every 10ms", "", func(context.Context) error {
		select {
		case ticks <- struct{}{}:
		default:
		}
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	require.Error(t, s.Start(ctx), "second start must refuse")

	for i := 0; i < 2; i++ {
		select {
		case <-ticks:
		case <-time.After(2 * time.Second):
			t.Fatal("scheduled job never ran")
		}
	}

	st := s.Status()
	assert.True(t, st.Running)
	assert.Equal(t, 1, st.EnabledJobs)

	s.Stop()
	s.Stop()
	assert.False(t, s.Status().Running)
	assert.True(t, s.Results()["tick"].Success)
}

func TestSchedulerKeepsRunningAfterFailure(t *testing.T) {
	s := New()
	ticks := make(chan struct{}, 16)
	require.NoError(t, s.Register("flaky", "@every 10ms", "", func(context.Context) error {
		select {
		case ticks <- struct{}{}:
		default:
		}
		return errors.New("transient")
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	for i := 0; i < 3; i++ {
		select {
		case <-ticks:
		case <-time.After(2 * time.Second):
			t.Fatal("failing job was not rescheduled")
		}
	}
}

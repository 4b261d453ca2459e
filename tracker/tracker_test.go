// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package tracker_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sprucehealth/voicesurvey/model"
	"github.com/sprucehealth/voicesurvey/store"
	"github.com/sprucehealth/voicesurvey/tracker"
)

func status(callID string, s model.CallStatus, duration int) tracker.StatusNotification {
	return tracker.StatusNotification{CallID: callID, ContactID: "c1", SurveyID: "s1", Status: s, Duration: duration}
}

func TestLifecycleInOrder(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	tr := tracker.New(st)

	_, err := tr.Initiate(ctx, "CA1", "c1", "s1")
	require.NoError(t, err)
	for _, s := range []model.CallStatus{model.CallRinging, model.CallInProgress} {
		_, err := tr.ApplyStatus(ctx, status("CA1", s, 0))
		require.NoError(t, err)
	}
	c, err := tr.ApplyStatus(ctx, status("CA1", model.CallCompleted, 95))
	require.NoError(t, err)
	assert.Equal(t, model.CallCompleted, c.Status)
	assert.Equal(t, 95, c.Duration)
	assert.Equal(t, "c1", c.ContactID)
	assert.Equal(t, "s1", c.SurveyID)
}

func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	tr := tracker.New(st)

	once, err := tr.ApplyStatus(ctx, status("CA1", model.CallInProgress, 0))
	require.NoError(t, err)
	again, err := tr.ApplyStatus(ctx, status("CA1", model.CallInProgress, 0))
	require.NoError(t, err)
	assert.Equal(t, once, again)
}

func TestTerminalIsNeverOverwritten(t *testing.T) {
	ctx := context.Background()
	tr := tracker.New(store.NewMemoryStore())

	_, err := tr.ApplyStatus(ctx, status("CA1", model.CallCompleted, 0))
	require.NoError(t, err)
	c, err := tr.ApplyStatus(ctx, status("CA1", model.CallRinging, 0))
	require.NoError(t, err)
	assert.Equal(t, model.CallCompleted, c.Status)

	c, err = tr.ApplyStatus(ctx, status("CA1", model.CallInProgress, 0))
	require.NoError(t, err)
	assert.Equal(t, model.CallCompleted, c.Status)

	// a second, different terminal status is absorbed too but its duration still lands
	c, err = tr.ApplyStatus(ctx, status("CA1", model.CallFailed, 12))
	require.NoError(t, err)
	assert.Equal(t, model.CallCompleted, c.Status)
	assert.Equal(t, 12, c.Duration)
}

func TestOutOfOrderNonTerminalDoesNotRegress(t *testing.T) {
	ctx := context.Background()
	tr := tracker.New(store.NewMemoryStore())

	_, err := tr.ApplyStatus(ctx, status("CA1", model.CallInProgress, 0))
	require.NoError(t, err)
	c, err := tr.ApplyStatus(ctx, status("CA1", model.CallRinging, 0))
	require.NoError(t, err)
	assert.Equal(t, model.CallInProgress, c.Status)

	c, err = tr.Initiate(ctx, "CA1", "c1", "s1")
	require.NoError(t, err)
	assert.Equal(t, model.CallInProgress, c.Status)
}

func TestRecordingBeforeStatus(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	tr := tracker.New(st)

	_, err := tr.ApplyRecording(ctx, tracker.RecordingNotification{
		CallID: "CA1", ContactID: "c1", SurveyID: "s1",
		RecordingURL: "https://rec.example/RE1", RecordingStatus: "completed",
	})
	require.NoError(t, err)
	_, err = tr.ApplyStatus(ctx, status("CA1", model.CallCompleted, 40))
	require.NoError(t, err)

	c, err := st.GetCall(ctx, "CA1")
	require.NoError(t, err)
	assert.Equal(t, model.CallCompleted, c.Status)
	assert.Equal(t, "https://rec.example/RE1", c.RecordingURL)
	assert.Equal(t, 40, c.Duration)
}

func TestRecordingAfterStatusKeepsStatus(t *testing.T) {
	ctx := context.Background()
	tr := tracker.New(store.NewMemoryStore())

	_, err := tr.ApplyStatus(ctx, status("CA1", model.CallNoAnswer, 0))
	require.NoError(t, err)
	c, err := tr.ApplyRecording(ctx, tracker.RecordingNotification{
		CallID: "CA1", RecordingURL: "https://rec.example/RE2", RecordingStatus: "completed",
	})
	require.NoError(t, err)
	assert.Equal(t, model.CallNoAnswer, c.Status)
	assert.Equal(t, "https://rec.example/RE2", c.RecordingURL)
}

func TestIncompleteRecordingIgnored(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	tr := tracker.New(st)

	c, err := tr.ApplyRecording(ctx, tracker.RecordingNotification{
		CallID: "CA1", RecordingURL: "https://rec.example/RE3", RecordingStatus: "in-progress",
	})
	require.NoError(t, err)
	assert.Nil(t, c)
	_, err = st.GetCall(ctx, "CA1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConcurrentDeliveryConverges(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	tr := tracker.New(st)

	sequence := []model.CallStatus{
		model.CallInitiated, model.CallRinging, model.CallInProgress, model.CallCompleted,
		model.CallRinging, model.CallInProgress, model.CallCompleted,
	}
	var wg sync.WaitGroup
	for _, s := range sequence {
		wg.Add(1)
		go func(s model.CallStatus) {
			defer wg.Done()
			_, err := tr.ApplyStatus(ctx, status("CA1", s, 0))
			assert.NoError(t, err)
		}(s)
	}
	wg.Wait()

	c, err := st.GetCall(ctx, "CA1")
	require.NoError(t, err)
	assert.Equal(t, model.CallCompleted, c.Status)
}

func TestFailRecordsAttempt(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	tr := tracker.New(st)

	contact := &model.Contact{ID: "c2", SurveyID: "s1"}
	c, err := tr.Fail(ctx, "failed-c2-1", contact, "connection refused")
	require.NoError(t, err)
	assert.Equal(t, model.CallFailed, c.Status)
	assert.Equal(t, "connection refused", c.Error)

	calls, err := st.ListCallsByContact(ctx, "c2")
	require.NoError(t, err)
	assert.Len(t, calls, 1)
}

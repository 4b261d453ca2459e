// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sprucehealth/voicesurvey/model"
	"github.com/sprucehealth/voicesurvey/store"
)

type tickClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func backends(t *testing.T) map[string]func() store.Store {
	return map[string]func() store.Store{
		"memory": func() store.Store {
			c := &tickClock{now: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)}
			return store.NewMemoryStore(store.WithNow(c.Now))
		},
		"redis": func() store.Store {
			mr := miniredis.RunT(t)
			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = rdb.Close() })
			c := &tickClock{now: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)}
			return store.NewRedisStore(rdb, store.WithNow(c.Now))
		},
	}
}

func TestSurveyLifecycle(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore()

			survey := &model.Survey{ID: "s1", Title: "Coffee", Status: model.SurveyDraft,
				Questions: []model.Question{{ID: "q1", Text: "Rate", Type: model.LinearScale, ScaleMin: 1, ScaleMax: 5}}}
			require.NoError(t, s.CreateSurvey(ctx, survey))
			assert.True(t, errors.Is(s.CreateSurvey(ctx, survey), store.ErrExists))

			updated, err := s.UpdateSurvey(ctx, "s1", func(sv *model.Survey) error {
				sv.Status = model.SurveyActive
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, model.SurveyActive, updated.Status)

			got, err := s.GetSurvey(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, model.SurveyActive, got.Status)
			assert.Equal(t, "Rate", got.Questions[0].Text)

			_, err = s.GetSurvey(ctx, "missing")
			assert.True(t, errors.Is(err, store.ErrNotFound))
			_, err = s.UpdateSurvey(ctx, "missing", func(*model.Survey) error { return nil })
			assert.True(t, errors.Is(err, store.ErrNotFound))
		})
	}
}

func TestContacts(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore()

			for _, id := range []string{"c3", "c1", "c2"} {
				require.NoError(t, s.AddContact(ctx, &model.Contact{
					ID: id, SurveyID: "s1", PhoneNumber: "+1555000" + id[1:], Name: id, Source: model.SourceBulk,
				}))
			}
			require.NoError(t, s.AddContact(ctx, &model.Contact{ID: "other", SurveyID: "s2", PhoneNumber: "+15550009"}))

			list, err := s.ListContacts(ctx, "s1")
			require.NoError(t, err)
			require.Len(t, list, 3)
			assert.Equal(t, []string{"c3", "c1", "c2"}, []string{list[0].ID, list[1].ID, list[2].ID})

			found, err := s.FindContactByPhone(ctx, "s1", "+15550001")
			require.NoError(t, err)
			assert.Equal(t, "c1", found.ID)
			_, err = s.FindContactByPhone(ctx, "s2", "+15550001")
			assert.True(t, errors.Is(err, store.ErrNotFound))

			found.Consent = true
			found.Source = model.SourceOptIn
			require.NoError(t, s.UpdateContact(ctx, found))
			got, err := s.GetContact(ctx, "c1")
			require.NoError(t, err)
			assert.True(t, got.Consent)
			assert.Equal(t, model.SourceOptIn, got.Source)
		})
	}
}

func TestUpdateCallUpsert(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore()

			c, err := s.UpdateCall(ctx, "CA1", func(c *model.CallAttempt, exists bool) error {
				assert.False(t, exists)
				c.ContactID = "c1"
				c.SurveyID = "s1"
				c.Status = model.CallInitiated
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, "CA1", c.ID)
			assert.False(t, c.CreatedAt.IsZero())

			_, err = s.UpdateCall(ctx, "CA1", func(c *model.CallAttempt, exists bool) error {
				assert.True(t, exists)
				c.Status = model.CallRinging
				return nil
			})
			require.NoError(t, err)

			same, err := s.UpdateCall(ctx, "CA1", func(c *model.CallAttempt, exists bool) error {
				c.Status = model.CallFailed
				return store.ErrNoChange
			})
			require.NoError(t, err)
			assert.Equal(t, model.CallRinging, same.Status)

			_, err = s.UpdateCall(ctx, "nope", func(*model.CallAttempt, bool) error { return store.ErrNoChange })
			assert.True(t, errors.Is(err, store.ErrNotFound))

			boom := errors.New("boom")
			_, err = s.UpdateCall(ctx, "CA1", func(*model.CallAttempt, bool) error { return boom })
			assert.True(t, errors.Is(err, boom))

			got, err := s.GetCall(ctx, "CA1")
			require.NoError(t, err)
			assert.Equal(t, model.CallRinging, got.Status)
		})
	}
}

func TestListCallsNewestFirst(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore()
			for _, id := range []string{"CA1", "CA2", "CA3"} {
				_, err := s.UpdateCall(ctx, id, func(c *model.CallAttempt, _ bool) error {
					c.SurveyID = "s1"
					c.ContactID = "c1"
					c.Status = model.CallInitiated
					return nil
				})
				require.NoError(t, err)
			}
			_, err := s.UpdateCall(ctx, "CA9", func(c *model.CallAttempt, _ bool) error {
				c.SurveyID = "s2"
				c.ContactID = "c9"
				return nil
			})
			require.NoError(t, err)

			calls, err := s.ListCallsBySurvey(ctx, "s1")
			require.NoError(t, err)
			require.Len(t, calls, 3)
			assert.Equal(t, []string{"CA3", "CA2", "CA1"}, []string{calls[0].ID, calls[1].ID, calls[2].ID})

			byContact, err := s.ListCallsByContact(ctx, "c9")
			require.NoError(t, err)
			require.Len(t, byContact, 1)
			assert.Equal(t, "CA9", byContact[0].ID)
		})
	}
}

func TestConcurrentUpdatesSerialize(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore()
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := s.UpdateCall(ctx, "CA1", func(c *model.CallAttempt, _ bool) error {
						c.Duration++
						return nil
					})
					assert.NoError(t, err)
				}()
			}
			wg.Wait()
			got, err := s.GetCall(ctx, "CA1")
			require.NoError(t, err)
			assert.Equal(t, 8, got.Duration)
		})
	}
}

// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/sprucehealth/voicesurvey/model"
)

const maxTxRetries = 16

// RedisStore keeps one JSON document per record plus index keys:
//
//	survey:{id}                 survey document
//	survey:{id}:contacts        list of contact ids in insertion order
//	survey:{id}:phones          hash phone -> contact id
//	survey:{id}:calls           zset of call ids scored by CreatedAt
//	contact:{id}                contact document
//	contact:{id}:calls          zset of call ids scored by CreatedAt
//	call:{id}                   call attempt document
type RedisStore struct {
	rdb  redis.UniversalClient
	opts options
}

// NewRedisStore wraps an existing client
func NewRedisStore(rdb redis.UniversalClient, opts ...Option) *RedisStore {
	return &RedisStore{rdb: rdb, opts: buildOptions(opts)}
}

func surveyKey(id string) string         { return "survey:" + id }
func surveyContactsKey(id string) string { return "survey:" + id + ":contacts" }
func surveyPhonesKey(id string) string   { return "survey:" + id + ":phones" }
func surveyCallsKey(id string) string    { return "survey:" + id + ":calls" }
func contactKey(id string) string        { return "contact:" + id }
func contactCallsKey(id string) string   { return "contact:" + id + ":calls" }
func callKey(id string) string           { return "call:" + id }

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *RedisStore) getJSON(ctx context.Context, c getter, key string, v any) error {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) CreateSurvey(ctx context.Context, s *model.Survey) error {
	now := r.opts.now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode survey: %w", err)
	}
	ok, err := r.rdb.SetNX(ctx, surveyKey(s.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("redis setnx survey %s: %w", s.ID, err)
	}
	if !ok {
		return fmt.Errorf("survey %s: %w", s.ID, ErrExists)
	}
	return nil
}

func (r *RedisStore) GetSurvey(ctx context.Context, id string) (*model.Survey, error) {
	var s model.Survey
	if err := r.getJSON(ctx, r.rdb, surveyKey(id), &s); err != nil {
		return nil, fmt.Errorf("survey %s: %w", id, err)
	}
	return &s, nil
}

func (r *RedisStore) UpdateSurvey(ctx context.Context, id string, fn func(s *model.Survey) error) (*model.Survey, error) {
	key := surveyKey(id)
	var result *model.Survey
	txf := func(tx *redis.Tx) error {
		var s model.Survey
		if err := r.getJSON(ctx, tx, key, &s); err != nil {
			return err
		}
		if err := fn(&s); err != nil {
			if errors.Is(err, ErrNoChange) {
				result = &s
				return nil
			}
			return err
		}
		s.ID = id
		s.UpdatedAt = r.opts.now()
		data, err := json.Marshal(&s)
		if err != nil {
			return fmt.Errorf("encode survey: %w", err)
		}
		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		}); err != nil {
			return err
		}
		result = &s
		return nil
	}
	if err := r.watch(ctx, txf, key); err != nil {
		return nil, fmt.Errorf("survey %s: %w", id, err)
	}
	return result, nil
}

func (r *RedisStore) AddContact(ctx context.Context, c *model.Contact) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = r.opts.now()
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode contact: %w", err)
	}
	ok, err := r.rdb.SetNX(ctx, contactKey(c.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("redis setnx contact %s: %w", c.ID, err)
	}
	if !ok {
		return fmt.Errorf("contact %s: %w", c.ID, ErrExists)
	}
	pipe := r.rdb.TxPipeline()
	pipe.RPush(ctx, surveyContactsKey(c.SurveyID), c.ID)
	pipe.HSet(ctx, surveyPhonesKey(c.SurveyID), c.PhoneNumber, c.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index contact %s: %w", c.ID, err)
	}
	return nil
}

func (r *RedisStore) GetContact(ctx context.Context, id string) (*model.Contact, error) {
	var c model.Contact
	if err := r.getJSON(ctx, r.rdb, contactKey(id), &c); err != nil {
		return nil, fmt.Errorf("contact %s: %w", id, err)
	}
	return &c, nil
}

func (r *RedisStore) UpdateContact(ctx context.Context, c *model.Contact) error {
	old, err := r.GetContact(ctx, c.ID)
	if err != nil {
		return err
	}
	if old.SurveyID != c.SurveyID {
		return fmt.Errorf("contact %s cannot move between surveys", c.ID)
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode contact: %w", err)
	}
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, contactKey(c.ID), data, 0)
	if old.PhoneNumber != c.PhoneNumber {
		pipe.HDel(ctx, surveyPhonesKey(c.SurveyID), old.PhoneNumber)
		pipe.HSet(ctx, surveyPhonesKey(c.SurveyID), c.PhoneNumber, c.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("update contact %s: %w", c.ID, err)
	}
	return nil
}

func (r *RedisStore) ListContacts(ctx context.Context, surveyID string) ([]*model.Contact, error) {
	ids, err := r.rdb.LRange(ctx, surveyContactsKey(surveyID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list contacts for %s: %w", surveyID, err)
	}
	out := make([]*model.Contact, 0, len(ids))
	for _, id := range ids {
		c, err := r.GetContact(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *RedisStore) FindContactByPhone(ctx context.Context, surveyID, phone string) (*model.Contact, error) {
	id, err := r.rdb.HGet(ctx, surveyPhonesKey(surveyID), phone).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("contact %s in survey %s: %w", phone, surveyID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis hget phone: %w", err)
	}
	return r.GetContact(ctx, id)
}

// UpdateCall runs fn inside a WATCH/MULTI transaction on the call key and retries
// when another writer got there first.
func (r *RedisStore) UpdateCall(ctx context.Context, id string, fn CallUpdateFunc) (*model.CallAttempt, error) {
	key := callKey(id)
	var result *model.CallAttempt
	txf := func(tx *redis.Tx) error {
		var c model.CallAttempt
		exists := true
		if err := r.getJSON(ctx, tx, key, &c); err != nil {
			if !errors.Is(err, ErrNotFound) {
				return err
			}
			exists = false
			c = model.CallAttempt{ID: id}
		}
		if err := fn(&c, exists); err != nil {
			if errors.Is(err, ErrNoChange) {
				if !exists {
					return ErrNotFound
				}
				result = &c
				return nil
			}
			return err
		}
		now := r.opts.now()
		c.ID = id
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		c.UpdatedAt = now
		data, err := json.Marshal(&c)
		if err != nil {
			return fmt.Errorf("encode call: %w", err)
		}
		score := float64(c.CreatedAt.UnixMicro())
		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if c.SurveyID != "" {
				pipe.ZAdd(ctx, surveyCallsKey(c.SurveyID), redis.Z{Score: score, Member: id})
			}
			if c.ContactID != "" {
				pipe.ZAdd(ctx, contactCallsKey(c.ContactID), redis.Z{Score: score, Member: id})
			}
			return nil
		}); err != nil {
			return err
		}
		result = &c
		return nil
	}
	if err := r.watch(ctx, txf, key); err != nil {
		return nil, fmt.Errorf("call %s: %w", id, err)
	}
	return result, nil
}

func (r *RedisStore) watch(ctx context.Context, txf func(tx *redis.Tx) error, key string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := r.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("too much contention on %s", key)
}

func (r *RedisStore) GetCall(ctx context.Context, id string) (*model.CallAttempt, error) {
	var c model.CallAttempt
	if err := r.getJSON(ctx, r.rdb, callKey(id), &c); err != nil {
		return nil, fmt.Errorf("call %s: %w", id, err)
	}
	return &c, nil
}

func (r *RedisStore) ListCallsBySurvey(ctx context.Context, surveyID string) ([]*model.CallAttempt, error) {
	return r.listCalls(ctx, surveyCallsKey(surveyID))
}

func (r *RedisStore) ListCallsByContact(ctx context.Context, contactID string) ([]*model.CallAttempt, error) {
	return r.listCalls(ctx, contactCallsKey(contactID))
}

func (r *RedisStore) listCalls(ctx context.Context, index string) ([]*model.CallAttempt, error) {
	ids, err := r.rdb.ZRevRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrevrange %s: %w", index, err)
	}
	out := make([]*model.CallAttempt, 0, len(ids))
	for _, id := range ids {
		c, err := r.GetCall(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

// Package relay names the per-call media room and mints the join tokens the
// carrier stream and the speech pipeline present to it.
package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const roomPrefix = "survey-"

var ErrInvalidToken = errors.New("invalid relay token")

// Metadata identifies the call a room belongs to
type Metadata struct {
	SurveyID  string `json:"survey_id"`
	ContactID string `json:"contact_id"`
	CallID    string `json:"call_id"`
}

// Validate reports whether every identifier is set
func (m Metadata) Validate() error {
	if m.SurveyID == "" || m.ContactID == "" || m.CallID == "" {
		return fmt.Errorf("metadata requires survey_id, contact_id and call_id: %+v", m)
	}
	return nil
}

// RoomName is the relay room a call's audio flows through
func RoomName(callID string) string {
	return roomPrefix + callID
}

// Claims is the payload of a join token
type Claims struct {
	Room string `json:"room"`
	Metadata
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies HS256 join tokens
type TokenIssuer struct {
	issuer string
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(issuer, secret string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &TokenIssuer{issuer: issuer, secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue returns a token for identity to join the call's room
func (ti *TokenIssuer) Issue(identity string, md Metadata) (string, error) {
	if err := md.Validate(); err != nil {
		return "", err
	}
	now := ti.now()
	claims := Claims{
		Room:     RoomName(md.CallID),
		Metadata: md,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ti.issuer,
			Subject:   identity,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ti.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.secret)
	if err != nil {
		return "", fmt.Errorf("sign relay token: %w", err)
	}
	return signed, nil
}

// Parse verifies a token and returns its claims
func (ti *TokenIssuer) Parse(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return ti.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(ti.issuer),
		jwt.WithTimeFunc(ti.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Room != RoomName(claims.CallID) {
		return nil, fmt.Errorf("%w: room %q does not match call %q", ErrInvalidToken, claims.Room, claims.CallID)
	}
	return claims, nil
}

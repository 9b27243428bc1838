// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware holds the identity resolution used by both the
// websocket authenticate event and the upgrade-time bearer header.
package middleware

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v4"
)

var (
	// ErrTokenExpired is returned when the token has expired.
	ErrTokenExpired = errors.New("token expired")

	// ErrInvalidToken is returned when the token is invalid for any reason.
	ErrInvalidToken = errors.New("invalid token")
)

// SessionClaims is the JWT claim set issued by the auth service. Subject
// carries the stable user id the gateway uses as its identity string.
type SessionClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

// NewTokenVerifier returns a verifier closed over the HS256 signing secret.
//
// The verifier resolves a bearer token to the subject claim. Expired,
// malformed or wrongly-signed tokens return an error; callers treat any
// error as "stay anonymous" rather than failing the connection.
func NewTokenVerifier(secret string) func(token string) (string, error) {
	key := []byte(secret)
	return func(tokenString string) (string, error) {
		token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{},
			func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
				}
				return key, nil
			})
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				return "", ErrTokenExpired
			}
			return "", ErrInvalidToken
		}

		claims, ok := token.Claims.(*SessionClaims)
		if !ok || !token.Valid || claims.Subject == "" {
			return "", ErrInvalidToken
		}
		return claims.Subject, nil
	}
}

// Copyright 2024 The acmemail Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package acme contains the low-level value types and pure logic for the
// email-reply-00 ACME challenge: the challenge body representation, the
// codec for the token fragment carried in the challenge email's subject,
// and the key-authorization math that produces the validation payload.
//
// It deliberately does not talk to any network: the surrounding
// certificate-issuance workflow owns the ACME HTTP conversation and only
// hands this package the pieces it needs.
package acme

import (
	"crypto"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/go-jose/go-jose/v4"
)

// ChallengeTypeMailReply00 is the challenge type validated by replying to
// an email sent by the CA, per RFC 8823.
const ChallengeTypeMailReply00 = "email-reply-00"

// Challenge holds information about an email-reply-00 challenge as the CA
// represents it. The Token field carries a base64url-encoded token: for the
// challenge object retrieved from the CA that is only token-part2; once the
// emailed token-part1 is known, a corrected Challenge is rebuilt with the
// full token (see ReconstructToken).
type Challenge struct {
	Type   string `json:"type"`
	URL    string `json:"url"`
	Status string `json:"status"`
	Token  string `json:"token"`

	// From is the address the CA announced it will send the challenge
	// email from, if it announced one.
	From string `json:"from,omitempty"`
}

// KeyAuthorization computes the key authorization for the challenge with
// the given account private key: the challenge token, a dot, and the
// base64url-encoded SHA-256 thumbprint of the account's public key in JWK
// form.
func (c Challenge) KeyAuthorization(accountKey crypto.Signer) (string, error) {
	if accountKey == nil {
		return "", fmt.Errorf("missing account key")
	}
	jwk := jose.JSONWebKey{Key: accountKey.Public()}
	thumbprint, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("computing account key thumbprint: %w", err)
	}
	return c.Token + "." + b64NoPad.EncodeToString(thumbprint), nil
}

// MailReply00Validation derives the validation payload that goes into the
// body of the reply email: the base64url-encoded SHA-256 digest of the key
// authorization. The challenge's Token must already be the full
// (reconstructed) token. Deterministic: identical inputs always produce
// identical output.
func (c Challenge) MailReply00Validation(accountKey crypto.Signer) (string, error) {
	keyAuth, err := c.KeyAuthorization(accountKey)
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256([]byte(keyAuth))
	return b64NoPad.EncodeToString(digest[:]), nil
}

var b64NoPad = base64.URLEncoding.WithPadding(base64.NoPadding)

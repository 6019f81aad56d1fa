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

package acme

import (
	"errors"
	"fmt"
	"strings"
)

// SubjectPrefix is the literal prefix the CA puts on the subject line of
// the challenge email.
const SubjectPrefix = "ACME: "

// ErrMalformedSubject indicates that a subject line does not follow the
// "ACME: <token-part1>" convention, either because the prefix is missing
// or because the trailing field is not valid base64url.
var ErrMalformedSubject = errors.New("malformed challenge subject")

// DecodeSubjectToken extracts the server's token fragment (token-part1)
// from a challenge email subject. The subject must start with
// SubjectPrefix; the fragment is the final whitespace-delimited field,
// base64url-encoded without padding. The decoded raw bytes are returned.
func DecodeSubjectToken(subject string) ([]byte, error) {
	if !strings.HasPrefix(subject, SubjectPrefix) {
		return nil, fmt.Errorf("%w: missing %q prefix in %q", ErrMalformedSubject, SubjectPrefix, subject)
	}
	fields := strings.Fields(subject)
	encoded := fields[len(fields)-1]
	fragment, err := b64NoPad.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding token fragment %q: %v", ErrMalformedSubject, encoded, err)
	}
	return fragment, nil
}

// ReconstructToken joins the server fragment (from the email subject) and
// the client fragment (held since the challenge object was retrieved) into
// the full challenge token: server bytes first, then client bytes, with no
// re-encoding in between. The fragments are opaque; no validation is done
// beyond presence.
func ReconstructToken(serverFragment, clientFragment []byte) []byte {
	token := make([]byte, 0, len(serverFragment)+len(clientFragment))
	token = append(token, serverFragment...)
	token = append(token, clientFragment...)
	return token
}

// EncodeToken renders raw token bytes the way ACME challenge objects carry
// them: base64url without padding.
func EncodeToken(token []byte) string {
	return b64NoPad.EncodeToString(token)
}

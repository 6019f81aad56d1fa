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
	"bytes"
	"errors"
	"testing"
)

func TestDecodeSubjectToken(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		want    []byte
		wantErr bool
	}{
		{
			name:    "plain fragment",
			subject: "ACME: qqu7",
			want:    []byte{0xAA, 0xAB, 0xBB},
		},
		{
			name:    "fragment is last field among several",
			subject: "ACME: challenge token AAECAw",
			want:    []byte{0x00, 0x01, 0x02, 0x03},
		},
		{
			name:    "missing prefix",
			subject: "Re: ACME is great",
			wantErr: true,
		},
		{
			name:    "prefix not at start",
			subject: "FWD: ACME: AAECAw",
			wantErr: true,
		},
		{
			name:    "empty subject",
			subject: "",
			wantErr: true,
		},
		{
			name:    "prefix with no fragment",
			subject: "ACME: ",
			wantErr: true,
		},
		{
			name:    "fragment not base64url",
			subject: "ACME: not!base64:",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeSubjectToken(tt.subject)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("DecodeSubjectToken(%q) expected error, got none", tt.subject)
				}
				if !errors.Is(err, ErrMalformedSubject) {
					t.Errorf("DecodeSubjectToken(%q) error = %v, want ErrMalformedSubject", tt.subject, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeSubjectToken(%q) unexpected error: %v", tt.subject, err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("DecodeSubjectToken(%q) = %x, want %x", tt.subject, got, tt.want)
			}
		})
	}
}

// Round-trip property: for any server fragment S and client fragment C,
// decoding an encoded S and reconstructing with C yields exactly S ++ C.
func TestSubjectTokenRoundTrip(t *testing.T) {
	fragments := [][2][]byte{
		{{0xAA, 0xBB}, {0xCC, 0xDD}},
		{{0x00}, {0xFF, 0xFE, 0xFD}},
		{{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}, {17}},
		{{0xDE, 0xAD, 0xBE, 0xEF}, nil},
	}
	for _, pair := range fragments {
		server, client := pair[0], pair[1]
		subject := SubjectPrefix + EncodeToken(server)
		decoded, err := DecodeSubjectToken(subject)
		if err != nil {
			t.Fatalf("DecodeSubjectToken(%q): %v", subject, err)
		}
		got := ReconstructToken(decoded, client)
		want := append(append([]byte{}, server...), client...)
		if !bytes.Equal(got, want) {
			t.Errorf("reconstructed token = %x, want %x", got, want)
		}
	}
}

func TestReconstructTokenOrder(t *testing.T) {
	got := ReconstructToken([]byte{0xAA, 0xBB}, []byte{0xCC, 0xDD})
	want := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	if !bytes.Equal(got, want) {
		t.Errorf("ReconstructToken() = %x, want %x (server fragment must come first)", got, want)
	}
}

// Reconstruction must not alias its inputs.
func TestReconstructTokenCopies(t *testing.T) {
	server := []byte{0x01, 0x02}
	token := ReconstructToken(server, []byte{0x03})
	server[0] = 0xFF
	if token[0] != 0x01 {
		t.Error("ReconstructToken() aliased the server fragment")
	}
}

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

package acmemail

// Delimiters of the signed block carrying the validation payload in the
// reply body; the CA scans for these exact lines.
const (
	responseBegin = "-----BEGIN ACME RESPONSE-----"
	responseEnd   = "-----END ACME RESPONSE-----"
)

// replySubject derives the subject of the reply from the challenge
// email's subject.
func replySubject(original string) string {
	return "Re: " + original
}

// replyBody wraps the validation payload in the ACME response block, each
// line newline-terminated.
func replyBody(validation string) string {
	return responseBegin + "\r\n" +
		validation + "\r\n" +
		responseEnd + "\r\n"
}

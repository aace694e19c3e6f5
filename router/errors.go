// Copyright 2025 The meshrouter Authors
// This file is part of the meshrouter library.
//
// The meshrouter library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The meshrouter library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the meshrouter library. If not, see <http://www.gnu.org/licenses/>.

package router

// Wire error codes shared by every node service. Codes are stable API:
// clients branch on them, so renaming one is a breaking change. Policy
// drops (duplicate, rate limited, stale) are not errors and use 200
// responses with a reason field instead.
const (
	CodeInvalidInput   = "INVALID_INPUT"
	CodeNotFound       = "NOT_FOUND"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeTTLExpired     = "TTL_EXPIRED"
	CodeRateLimited    = "RATE_LIMITED"
	CodeDBError        = "DB_ERROR"
	CodeReplayDetected = "REPLAY_DETECTED"
	CodeNonceReuse     = "NONCE_REUSE"
	CodeBLEUnavailable = "BLE_UNAVAILABLE"
	CodeInternal       = "INTERNAL"
)

// apiError is the body of every non-2xx response.
type apiError struct {
	Code      string `json:"code"`
	Detail    string `json:"detail"`
	Retryable bool   `json:"retryable"`
}

type errorBody struct {
	Error apiError `json:"error"`
}

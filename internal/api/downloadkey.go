package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// DownloadKey signs a virtual path for unauthenticated streaming access:
// lower-hex SHA-256 over "path_apiKey". Paths under .ids/ are signed with
// the separate strm key so leaked .strm documents cannot mint content
// URLs.
func DownloadKey(path, apiKey string) string {
	sum := sha256.Sum256([]byte(path + "_" + apiKey))
	return hex.EncodeToString(sum[:])
}

// VerifyDownloadKey recomputes and compares in constant time.
func VerifyDownloadKey(path, key, apiKey, strmKey string) bool {
	secret := apiKey
	if strings.HasPrefix(strings.TrimPrefix(path, "/"), ".ids/") {
		secret = strmKey
	}
	want := DownloadKey(path, secret)
	return subtle.ConstantTimeCompare([]byte(want), []byte(strings.ToLower(key))) == 1
}

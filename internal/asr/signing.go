package asr

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Sign computes the RTASR handshake signature for appID at unix time ts:
// base64(HMAC-SHA1(key=apiKey, msg=hex(MD5(appID + ts)))).
func Sign(appID, apiKey string, ts int64) string {
	base := md5.Sum([]byte(appID + strconv.FormatInt(ts, 10)))

	mac := hmac.New(sha1.New, []byte(apiKey))
	mac.Write([]byte(hex.EncodeToString(base[:])))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// SignedURL appends appid, ts and signa (plus any extra parameters) to endpoint.
// The provider rejects timestamps outside its validity window, so the URL must be used promptly.
func SignedURL(endpoint, appID, apiKey string, now time.Time, extra url.Values) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid ASR endpoint %q: %w", endpoint, err)
	}

	ts := now.Unix()
	q := u.Query()
	for k, vs := range extra {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	q.Set("appid", appID)
	q.Set("ts", strconv.FormatInt(ts, 10))
	q.Set("signa", Sign(appID, apiKey, ts))
	u.RawQuery = q.Encode()

	return u.String(), nil
}

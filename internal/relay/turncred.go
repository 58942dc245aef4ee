package relay

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"time"
)

// turnCredentialTTL bounds how long a minted TURN credential stays valid.
const turnCredentialTTL = 10 * time.Minute

// MintTURNCredential produces a short-term TURN username/credential pair for
// userID using the standard REST scheme: username is "expiry:user", the
// credential is base64(HMAC-SHA1(secret, username)).
func MintTURNCredential(secret []byte, userID string, now time.Time) (username, credential string) {
	expiry := now.Add(turnCredentialTTL).Unix()
	username = fmt.Sprintf("%d:%s", expiry, userID)
	mac := hmac.New(sha1.New, secret)
	mac.Write([]byte(username))
	credential = base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return username, credential
}

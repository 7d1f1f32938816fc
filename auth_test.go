package conduit

import (
	"testing"

	"github.com/go-playground/assert/v2"
	gojwt "github.com/golang-jwt/jwt/v5"
)

func signTestByJwt(t *testing.T, claims gojwt.MapClaims) string {
	t.Helper()
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	jwtStr, err := token.SignedString([]byte("test-signing-key"))
	assert.Equal(t, err, nil)
	return jwtStr
}

func TestParseByJwtUnverified(t *testing.T) {
	userId := NewId()
	networkId := NewId()
	clientId := NewId()

	jwtStr := signTestByJwt(t, gojwt.MapClaims{
		"user_id":      userId.String(),
		"network_name": "testnetwork",
		"network_id":   networkId.String(),
		"client_id":    clientId.String(),
	})

	byJwt, err := ParseByJwtUnverified(jwtStr)
	assert.Equal(t, err, nil)
	assert.Equal(t, byJwt.UserId, userId)
	assert.Equal(t, byJwt.NetworkName, "testnetwork")
	assert.Equal(t, byJwt.NetworkId, networkId)
	assert.Equal(t, byJwt.ClientId, clientId)

	_, err = ParseByJwtUnverified("not a jwt")
	assert.NotEqual(t, err, nil)
}

func TestClientAuthClientId(t *testing.T) {
	clientId := NewId()
	auth := &ClientAuth{
		ByJwt: signTestByJwt(t, gojwt.MapClaims{
			"client_id": clientId.String(),
		}),
		InstanceId: NewId(),
		AppVersion: "0.0.0-test",
	}

	parsedClientId, err := auth.ClientId()
	assert.Equal(t, err, nil)
	assert.Equal(t, parsedClientId, clientId)
}

func TestParseByJwtUnverifiedPartialClaims(t *testing.T) {
	// claims outside the expected set are ignored,
	// missing ids stay zero
	jwtStr := signTestByJwt(t, gojwt.MapClaims{
		"network_name": "testnetwork",
		"aud":          "other",
	})

	byJwt, err := ParseByJwtUnverified(jwtStr)
	assert.Equal(t, err, nil)
	assert.Equal(t, byJwt.NetworkName, "testnetwork")
	assert.Equal(t, byJwt.UserId, Id{})
	assert.Equal(t, byJwt.ClientId, Id{})
}

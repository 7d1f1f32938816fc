package conduit

import (
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// credentials presented by a worker on connect.
// the jwt is parsed unverified on the client side only to derive ids;
// verification is the remote peer's job
type ClientAuth struct {
	ByJwt      string
	InstanceId Id
	AppVersion string
}

func (self *ClientAuth) ClientId() (Id, error) {
	byJwt, err := ParseByJwtUnverified(self.ByJwt)
	if err != nil {
		return Id{}, err
	}
	return byJwt.ClientId, nil
}

type ByJwt struct {
	UserId      Id
	NetworkName string
	NetworkId   Id
	ClientId    Id
}

func ParseByJwtUnverified(jwtStr string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwtStr, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type %T", token.Claims)
	}

	byJwt := &ByJwt{}

	if userIdStr, ok := claims["user_id"].(string); ok {
		if userId, err := ParseId(userIdStr); err == nil {
			byJwt.UserId = userId
		}
	}
	if networkName, ok := claims["network_name"].(string); ok {
		byJwt.NetworkName = networkName
	}
	if networkIdStr, ok := claims["network_id"].(string); ok {
		if networkId, err := ParseId(networkIdStr); err == nil {
			byJwt.NetworkId = networkId
		}
	}
	if clientIdStr, ok := claims["client_id"].(string); ok {
		if clientId, err := ParseId(clientIdStr); err == nil {
			byJwt.ClientId = clientId
		}
	}

	return byJwt, nil
}

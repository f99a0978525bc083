package collab

import (
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

type ClientAuth struct {
	ByJwt     string
	SessionId string
	UserId    string
}

type SessionJwt struct {
	SessionId string
	UserId    string
	UserName  string
}

func SignSessionJwt(secret []byte, sessionJwt *SessionJwt, expireTimeout time.Duration) (string, error) {
	claims := gojwt.MapClaims{
		"session_id": sessionJwt.SessionId,
		"user_id":    sessionJwt.UserId,
		"user_name":  sessionJwt.UserName,
		"exp":        time.Now().Add(expireTimeout).Unix(),
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

func ParseSessionJwt(secret []byte, jwt string) (*SessionJwt, error) {
	token, err := gojwt.Parse(jwt, func(token *gojwt.Token) (any, error) {
		if _, ok := token.Method.(*gojwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("bad claims")
	}

	sessionJwt := &SessionJwt{}
	if sessionId, ok := claims["session_id"].(string); ok {
		sessionJwt.SessionId = sessionId
	}
	if userId, ok := claims["user_id"].(string); ok {
		sessionJwt.UserId = userId
	}
	if userName, ok := claims["user_name"].(string); ok {
		sessionJwt.UserName = userName
	}
	if sessionJwt.SessionId == "" || sessionJwt.UserId == "" {
		return nil, fmt.Errorf("missing session or user claim")
	}
	return sessionJwt, nil
}

func ParseSessionJwtUnverified(jwt string) (*SessionJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	sessionJwt := &SessionJwt{}
	if sessionId, ok := claims["session_id"].(string); ok {
		sessionJwt.SessionId = sessionId
	}
	if userId, ok := claims["user_id"].(string); ok {
		sessionJwt.UserId = userId
	}
	if userName, ok := claims["user_name"].(string); ok {
		sessionJwt.UserName = userName
	}
	return sessionJwt, nil
}

package domain

// Identity is the caller of an operation: either an anonymous session or an
// authenticated user (who also carries a session key).
type Identity struct {
	UserID     string
	SessionKey string
}

func Anonymous(sessionKey string) Identity {
	return Identity{SessionKey: sessionKey}
}

func Authenticated(userID, sessionKey string) Identity {
	return Identity{UserID: userID, SessionKey: sessionKey}
}

func (i Identity) IsAuthenticated() bool {
	return i.UserID != ""
}

func (i Identity) IsZero() bool {
	return i.UserID == "" && i.SessionKey == ""
}

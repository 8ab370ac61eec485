package chatsock

// Session is the identity bound to a connection after a successful login.
type Session struct {
	Username string
	ID       string
}

// LoggedIn reports whether both the username and the session id are set.
func (s Session) LoggedIn() bool {
	return s.Username != "" && s.ID != ""
}

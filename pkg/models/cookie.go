package models

import "time"

// Cookie is a normalized browser cookie. A nil Expires marks a session cookie.
type Cookie struct {
	Name     string     `json:"name"`
	Value    string     `json:"value"`
	Domain   string     `json:"domain"`
	Path     string     `json:"path"`
	Expires  *time.Time `json:"expires,omitempty"`
	HTTPOnly bool       `json:"httpOnly"`
	Secure   bool       `json:"secure"`
	SameSite string     `json:"sameSite,omitempty"`
}

// Session reports whether the cookie lives only for the browser session
func (c Cookie) Session() bool {
	return c.Expires == nil
}

// CookieFile describes a persisted harvest
type CookieFile struct {
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	UpdatedAt time.Time `json:"updatedAt"`
}

package user

// Profile is the public part of a user record. The users table belongs to the
// identity provider; this service only reads it.
type Profile struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	FullName  string `json:"full_name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

package models

// TokenResponse is the payment provider's access token reply. Vipps sends the
// lifetime as a string of seconds.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// Claims is the subset of the identity provider's JWT claims the service reads.
type Claims struct {
	Sub         string `json:"sub"`
	Email       string `json:"email"`
	GivenName   string `json:"given_name"`
	FamilyName  string `json:"family_name"`
	Study       string `json:"study"`
	StudyYear   string `json:"study_year"`
	RealmAccess struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
}

func (c Claims) HasRole(role string) bool {
	for _, r := range c.RealmAccess.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (c Claims) User() User {
	return User{
		UserID:    c.Sub,
		FirstName: c.GivenName,
		LastName:  c.FamilyName,
		Email:     c.Email,
		Study:     c.Study,
		StudyYear: c.StudyYear,
	}
}

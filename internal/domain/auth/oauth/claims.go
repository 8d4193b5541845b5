package oauth

import (
	"net/url"
	"strings"
	"unicode"

	"cmail-server-go/internal/domain/auth/model"
)

const (
	avatarBaseURL   = "https://ui-avatars.com/api/"
	defaultLocale   = "en-US"
	defaultZoneinfo = "UTC"
)

// Claims is the userinfo response body.
type Claims map[string]any

// BuildClaims releases the attributes of user allowed by scopes. sub and
// updated_at are always present; everything else is gated by a scope.
func BuildClaims(user *model.User, scopes []model.Scope) Claims {
	claims := Claims{
		"sub":        user.ID,
		"updated_at": user.UpdatedAt.Unix(),
	}

	if model.HasScope(scopes, model.ScopeEmail) {
		claims["email"] = user.Email
		claims["email_verified"] = user.EmailVerified
	}

	if model.HasScope(scopes, model.ScopeProfile) {
		name := displayName(user)
		claims["name"] = name
		claims["given_name"] = user.GivenName
		claims["family_name"] = user.FamilyName
		claims["picture"] = picture(user, name)
		claims["locale"] = orDefault(user.Locale, defaultLocale)
		claims["zoneinfo"] = orDefault(user.Zoneinfo, defaultZoneinfo)
	}

	return claims
}

func displayName(user *model.User) string {
	if n := strings.TrimSpace(user.Name); n != "" {
		return n
	}
	if n := strings.TrimSpace(user.GivenName + " " + user.FamilyName); n != "" {
		return n
	}
	local, _, _ := strings.Cut(user.Email, "@")
	return local
}

func picture(user *model.User, name string) string {
	if user.Picture != "" {
		return user.Picture
	}
	q := url.Values{}
	q.Set("name", initials(name))
	q.Set("background", "random")
	return avatarBaseURL + "?" + q.Encode()
}

// initials takes the first letter of up to two words, upper-cased.
func initials(name string) string {
	out := make([]rune, 0, 2)
	for _, word := range strings.Fields(name) {
		r := []rune(word)[0]
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			out = append(out, unicode.ToUpper(r))
		}
		if len(out) == 2 {
			break
		}
	}
	if len(out) == 0 {
		return "U"
	}
	return string(out)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

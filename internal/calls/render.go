package calls

import (
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\s*([A-Za-z][A-Za-z0-9_]*)\s*\}`)

// Render substitutes {placeholder} tokens in content with contact fields.
// Unknown or empty placeholders render as "" so no literal token reaches the
// provider.
func Render(content string, c Contact) string {
	return placeholderRe.ReplaceAllStringFunc(content, func(tok string) string {
		m := placeholderRe.FindStringSubmatch(tok)
		if len(m) != 2 {
			return ""
		}
		return strings.TrimSpace(c.field(m[1]))
	})
}

func (c Contact) field(name string) string {
	switch strings.ToLower(name) {
	case "firstname", "first_name":
		return c.FirstName
	case "lastname", "last_name":
		return c.LastName
	case "filenumber", "file_number":
		return c.FileNumber
	case "phonenumber", "phone_number", "phone":
		return c.Phone
	case "name":
		return c.DisplayName()
	case "email":
		return c.Email
	case "company":
		return c.Company
	case "position":
		return c.Position
	default:
		return ""
	}
}

package domain

import (
	"strings"
)

// DefaultUserServer is the address suffix for individual contacts.
const DefaultUserServer = "s.whatsapp.net"

// NumberToJID converts a phone number in any human format into a contact
// address. Inputs that are already full addresses are returned unchanged.
func NumberToJID(number string) string {
	number = strings.TrimSpace(number)
	if strings.Contains(number, "@") {
		return number
	}
	var b strings.Builder
	for _, r := range number {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return b.String() + "@" + DefaultUserServer
}

// JIDToNumber strips the server part from an address.
func JIDToNumber(jid string) string {
	if i := strings.IndexByte(jid, '@'); i >= 0 {
		return jid[:i]
	}
	return jid
}

package scanlist

import (
	"fmt"
	"net/url"
	"strings"
)

// Handoff holds pre-filled compose links. The CSV itself is not attached;
// the recipient is asked to attach the downloaded file.
type Handoff struct {
	FileName     string `json:"fileName"`
	EmailLink    string `json:"emailLink,omitempty"`
	WhatsAppLink string `json:"whatsAppLink,omitempty"`
}

func BuildHandoff(list List, email, phone string) Handoff {
	handoff := Handoff{FileName: ExportFileName(list.Name)}
	if link, err := EmailLink(list, email); err == nil {
		handoff.EmailLink = link
	}
	if link, err := WhatsAppLink(list, phone); err == nil {
		handoff.WhatsAppLink = link
	}
	return handoff
}

// EmailLink builds a mailto link. An empty to falls back to the list's
// recipient email.
func EmailLink(list List, to string) (string, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		to = list.Recipient.Email
	}
	if to == "" {
		return "", fmt.Errorf("%w: recipient email is required", ErrInvalidInput)
	}
	subject := fmt.Sprintf("List data: %s", list.Name)
	body := fmt.Sprintf("Hello,\n\nThe CSV file with the data of list %q has been downloaded.\n\nPlease attach the file %q from your downloads folder to this email before sending.\n\nThank you.",
		list.Name, ExportFileName(list.Name))
	return "mailto:" + url.PathEscape(to) + "?subject=" + encodeComponent(subject) + "&body=" + encodeComponent(body), nil
}

// WhatsAppLink builds a wa.me link. Non-digits are stripped from the phone.
func WhatsAppLink(list List, phone string) (string, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		phone = list.Recipient.Phone
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)
	if digits == "" {
		return "", fmt.Errorf("%w: recipient phone is required", ErrInvalidInput)
	}
	greeting := "Hello"
	if name := strings.TrimSpace(list.Recipient.Name); name != "" {
		greeting += ", " + name
	}
	message := fmt.Sprintf("%s!\n\nThe CSV file with the data of list %q has just been downloaded.\n\nPlease attach the file to the chat to send it.", greeting, list.Name)
	return "https://wa.me/" + digits + "?text=" + encodeComponent(message), nil
}

func encodeComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

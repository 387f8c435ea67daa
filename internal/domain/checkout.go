package domain

import "strings"

// CheckoutDetails is the contact and shipping information typed during checkout.
type CheckoutDetails struct {
	FullName    string `json:"full_name"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	AddressLine string `json:"address_line"`
	City        string `json:"city"`
	PostalCode  string `json:"postal_code"`
	Country     string `json:"country,omitempty"`
	Note        string `json:"note,omitempty"`
}

// Missing returns the json names of required fields that are blank.
func (d CheckoutDetails) Missing() []string {
	var missing []string
	check := func(name, v string) {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	check("full_name", d.FullName)
	check("email", d.Email)
	check("phone", d.Phone)
	check("address_line", d.AddressLine)
	check("city", d.City)
	check("postal_code", d.PostalCode)
	if d.Email != "" && !strings.Contains(d.Email, "@") {
		missing = append(missing, "email")
	}
	return missing
}

func (d CheckoutDetails) IsZero() bool {
	return d == CheckoutDetails{}
}

type DetailsMode string

const (
	ModeUserDefault  DetailsMode = "user_default"
	ModeOrderSession DetailsMode = "order_session"
)

func (m DetailsMode) Valid() bool {
	return m == ModeUserDefault || m == ModeOrderSession
}

package importer

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// BitwardenParser reads Bitwarden unencrypted JSON exports.
type BitwardenParser struct{}

// Bitwarden item types.
const (
	bitwardenTypeLogin      = 1
	bitwardenTypeSecureNote = 2
	bitwardenTypeCard       = 3
	bitwardenTypeIdentity   = 4
)

const bitwardenFieldLinked = 3

type bitwardenExport struct {
	Encrypted bool              `json:"encrypted"`
	Folders   []bitwardenFolder `json:"folders"`
	Items     []bitwardenItem   `json:"items"`
}

type bitwardenFolder struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type bitwardenItem struct {
	Type     int                    `json:"type"`
	Name     string                 `json:"name"`
	Notes    string                 `json:"notes"`
	FolderID *string                `json:"folderId"`
	Login    *bitwardenLogin        `json:"login"`
	Card     *bitwardenCard         `json:"card"`
	Identity *bitwardenIdentity     `json:"identity"`
	Fields   []bitwardenCustomField `json:"fields"`
}

type bitwardenLogin struct {
	URIs     []bitwardenURI `json:"uris"`
	Username string         `json:"username"`
	Password string         `json:"password"`
	TOTP     string         `json:"totp"`
}

type bitwardenURI struct {
	URI string `json:"uri"`
}

type bitwardenCard struct {
	CardholderName string `json:"cardholderName"`
	Brand          string `json:"brand"`
	Number         string `json:"number"`
	ExpMonth       string `json:"expMonth"`
	ExpYear        string `json:"expYear"`
	Code           string `json:"code"`
}

type bitwardenIdentity struct {
	Title          string `json:"title"`
	FirstName      string `json:"firstName"`
	MiddleName     string `json:"middleName"`
	LastName       string `json:"lastName"`
	Username       string `json:"username"`
	Company        string `json:"company"`
	Email          string `json:"email"`
	Phone          string `json:"phone"`
	Address1       string `json:"address1"`
	Address2       string `json:"address2"`
	Address3       string `json:"address3"`
	City           string `json:"city"`
	State          string `json:"state"`
	PostalCode     string `json:"postalCode"`
	Country        string `json:"country"`
	SSN            string `json:"ssn"`
	PassportNumber string `json:"passportNumber"`
	LicenseNumber  string `json:"licenseNumber"`
}

type bitwardenCustomField struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
	Type  int             `json:"type"`
}

// value returns the field's value as text. Boolean fields export as
// strings in some clients and as JSON booleans in others.
func (f *bitwardenCustomField) value() string {
	if len(f.Value) == 0 || string(f.Value) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(f.Value, &s); err == nil {
		return s
	}
	var b bool
	if err := json.Unmarshal(f.Value, &b); err == nil {
		return strconv.FormatBool(b)
	}
	return string(f.Value)
}

// Source implements Parser.
func (p *BitwardenParser) Source() Source {
	return SourceBitwarden
}

// Parse implements Parser.
func (p *BitwardenParser) Parse(data []byte, opts ParseOptions) (*ImportResult, error) {
	var export bitwardenExport
	if err := json.Unmarshal(data, &export); err != nil {
		return nil, fmt.Errorf("failed to parse Bitwarden JSON: %w", err)
	}
	if export.Encrypted {
		return nil, fmt.Errorf("encrypted Bitwarden exports are not supported; export as unencrypted JSON")
	}

	folders := make(map[string]string, len(export.Folders))
	for _, f := range export.Folders {
		folders[f.ID] = f.Name
	}

	result := &ImportResult{Items: []*Item{}}
	namer := &itemNamer{opts: opts}

	for i := range export.Items {
		item := &export.Items[i]

		var group string
		if item.FolderID != nil {
			group = folders[*item.FolderID]
		}
		if !opts.wants(group) {
			continue
		}

		fields := newFieldSet(opts.PreserveCase)
		var url string
		switch item.Type {
		case bitwardenTypeLogin:
			url = p.addLogin(fields, item.Login)
		case bitwardenTypeSecureNote:
		case bitwardenTypeCard:
			p.addCard(fields, item.Card)
		case bitwardenTypeIdentity:
			p.addIdentity(fields, item.Identity)
		default:
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("item %d (%s): unsupported item type: %d", i+1, item.Name, item.Type))
			continue
		}
		fields.add("notes", item.Notes)

		for _, cf := range item.Fields {
			if cf.Type == bitwardenFieldLinked {
				continue
			}
			fields.add(cf.Name, cf.value())
		}

		if len(fields.fields) == 0 {
			result.Skipped = append(result.Skipped, SkippedItem{OriginalName: item.Name, Reason: "no useful data"})
			continue
		}

		result.Items = append(result.Items, &Item{
			Name:         namer.name(item.Name, url),
			OriginalName: item.Name,
			Group:        group,
			Fields:       fields.fields,
		})
	}

	DeduplicateNames(result.Items)
	return result, nil
}

// addLogin returns the primary URL for fallback naming.
func (p *BitwardenParser) addLogin(fields *fieldSet, login *bitwardenLogin) string {
	if login == nil {
		return ""
	}
	fields.add("username", login.Username)
	fields.add("password", login.Password)
	fields.add("totp", login.TOTP)

	var primary string
	for _, u := range login.URIs {
		if u.URI == "" {
			continue
		}
		if primary == "" {
			primary = u.URI
		}
		fields.add("url", u.URI)
	}
	return primary
}

func (p *BitwardenParser) addCard(fields *fieldSet, card *bitwardenCard) {
	if card == nil {
		return
	}
	fields.add("cardholder", card.CardholderName)
	fields.add("brand", card.Brand)
	fields.add("number", card.Number)
	fields.add("exp_month", card.ExpMonth)
	fields.add("exp_year", card.ExpYear)
	fields.add("code", card.Code)
}

func (p *BitwardenParser) addIdentity(fields *fieldSet, id *bitwardenIdentity) {
	if id == nil {
		return
	}
	for _, f := range []struct{ name, value string }{
		{"title", id.Title},
		{"first_name", id.FirstName},
		{"middle_name", id.MiddleName},
		{"last_name", id.LastName},
		{"username", id.Username},
		{"company", id.Company},
		{"email", id.Email},
		{"phone", id.Phone},
		{"address1", id.Address1},
		{"address2", id.Address2},
		{"address3", id.Address3},
		{"city", id.City},
		{"state", id.State},
		{"postal_code", id.PostalCode},
		{"country", id.Country},
		{"ssn", id.SSN},
		{"passport", id.PassportNumber},
		{"license", id.LicenseNumber},
	} {
		fields.add(f.name, f.value)
	}
}

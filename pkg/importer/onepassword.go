package importer

// OnePasswordParser reads 1Password CSV exports with the columns
// Title,Website,Username,Password,OTPAuth,Favorite,Archived,Tags,Notes.
type OnePasswordParser struct{}

const (
	op1ColTitle    = "Title"
	op1ColWebsite  = "Website"
	op1ColUsername = "Username"
	op1ColPassword = "Password"
	op1ColOTPAuth  = "OTPAuth"
	op1ColArchived = "Archived"
	op1ColTags     = "Tags"
	op1ColNotes    = "Notes"
)

// Source implements Parser.
func (p *OnePasswordParser) Source() Source {
	return Source1Password
}

// Parse implements Parser. Archived rows are skipped. The first tag is
// used as the item's group.
func (p *OnePasswordParser) Parse(data []byte, opts ParseOptions) (*ImportResult, error) {
	result := &ImportResult{Items: []*Item{}}
	warn := func(w string) { result.Warnings = append(result.Warnings, w) }

	rows, err := csvRows(data, false, op1ColTitle, warn)
	if err != nil {
		return nil, err
	}

	namer := &itemNamer{opts: opts}
	for _, col := range rows {
		title := col(op1ColTitle)
		if col(op1ColArchived) == "true" {
			result.Skipped = append(result.Skipped, SkippedItem{OriginalName: title, Reason: "archived"})
			continue
		}

		group := firstTag(col(op1ColTags))
		if !opts.wants(group) {
			continue
		}

		fields := newFieldSet(opts.PreserveCase)
		fields.add("username", col(op1ColUsername))
		fields.add("password", col(op1ColPassword))
		fields.add("totp", col(op1ColOTPAuth))
		fields.add("url", col(op1ColWebsite))
		fields.add("notes", col(op1ColNotes))

		if len(fields.fields) == 0 || onlyURL(fields.fields) {
			result.Skipped = append(result.Skipped, SkippedItem{OriginalName: title, Reason: "no useful data"})
			continue
		}

		result.Items = append(result.Items, &Item{
			Name:         namer.name(title, col(op1ColWebsite)),
			OriginalName: title,
			Group:        group,
			Fields:       fields.fields,
		})
	}

	DeduplicateNames(result.Items)
	return result, nil
}

func firstTag(tags string) string {
	if t := splitTrim(tags, ","); len(t) > 0 {
		return t[0]
	}
	return ""
}

func onlyURL(fields map[string]string) bool {
	_, ok := fields["url"]
	return ok && len(fields) == 1
}

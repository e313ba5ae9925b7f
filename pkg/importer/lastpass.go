package importer

// LastPassParser reads LastPass CSV exports with the columns
// url,username,password,totp,extra,name,grouping,fav. Values may be
// HTML-entity encoded.
type LastPassParser struct{}

const (
	lpColURL      = "url"
	lpColUsername = "username"
	lpColPassword = "password"
	lpColTOTP     = "totp"
	lpColExtra    = "extra"
	lpColName     = "name"
	lpColGrouping = "grouping"
)

// lastPassNoteURL marks secure notes in LastPass exports.
const lastPassNoteURL = "http://sn"

// Source implements Parser.
func (p *LastPassParser) Source() Source {
	return SourceLastPass
}

// Parse implements Parser.
func (p *LastPassParser) Parse(data []byte, opts ParseOptions) (*ImportResult, error) {
	result := &ImportResult{Items: []*Item{}}
	warn := func(w string) { result.Warnings = append(result.Warnings, w) }

	rows, err := csvRows(data, true, lpColName, warn)
	if err != nil {
		return nil, err
	}

	namer := &itemNamer{opts: opts}
	for _, raw := range rows {
		col := func(name string) string { return DecodeHTMLEntities(raw(name)) }

		name := col(lpColName)
		group := col(lpColGrouping)
		if !opts.wants(group) {
			continue
		}

		url := col(lpColURL)
		if url == lastPassNoteURL {
			url = ""
		}

		fields := newFieldSet(opts.PreserveCase)
		fields.add("username", col(lpColUsername))
		fields.add("password", col(lpColPassword))
		fields.add("totp", col(lpColTOTP))
		fields.add("notes", col(lpColExtra))
		if len(fields.fields) == 0 {
			result.Skipped = append(result.Skipped, SkippedItem{OriginalName: name, Reason: "no useful data"})
			continue
		}
		fields.add("url", url)

		result.Items = append(result.Items, &Item{
			Name:         namer.name(name, url),
			OriginalName: name,
			Group:        group,
			Fields:       fields.fields,
		})
	}

	DeduplicateNames(result.Items)
	return result, nil
}

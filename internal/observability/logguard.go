package observability

// forbiddenLogKeys names fields that must never carry raw content in a log
// record. Redacted derivatives (*_sha256, *_length, *_chars) are allowed and
// are not matched here since they don't equal these bare names.
var forbiddenLogKeys = map[string]bool{
	"content":      true,
	"prompt":       true,
	"api_key":      true,
	"ciphertext":   true,
	"nonce":        true,
	"stream_token": true,
}

// GuardLogFields enforces the logging-redaction guarantee: a field whose key
// is one of the forbidden raw-value keys is never allowed through. In dev/test
// (env != "production") this panics so the offending call site is caught
// immediately; in production the field is dropped and logging continues.
func GuardLogFields(env string, fields map[string]any) map[string]any {
	var offending []string
	for k := range fields {
		if forbiddenLogKeys[k] {
			offending = append(offending, k)
		}
	}
	if len(offending) == 0 {
		return fields
	}
	if env != "production" {
		panic("observability: forbidden raw field(s) in log record: " + joinKeys(offending))
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if forbiddenLogKeys[k] {
			continue
		}
		out[k] = v
	}
	return out
}

func joinKeys(keys []string) string {
	s := ""
	for i, k := range keys {
		if i > 0 {
			s += ", "
		}
		s += k
	}
	return s
}

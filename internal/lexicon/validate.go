package lexicon

// Validate checks that record matches the minimal shape required for its
// declared type. It is deliberately permissive: missing optional fields
// pass, unknown extra fields pass. Its job is to reject frames that would
// trip a downstream storage constraint, not to enforce the full protocol
// lexicon.
func Validate(recordType RecordType, record map[string]interface{}) bool {
	switch recordType {
	case RecordTypePost:
		return hasString(record, "text") || hasAny(record, "embed")
	case RecordTypeLike, RecordTypeRepost, RecordTypeBookmark:
		return hasSubject(record)
	case RecordTypeFollow, RecordTypeBlock:
		return hasString(record, "subject")
	case RecordTypeList:
		return hasString(record, "name") && hasString(record, "purpose")
	case RecordTypeListItem:
		return hasString(record, "list") && hasString(record, "subject")
	case RecordTypeFeedGenerator:
		return hasString(record, "did")
	case RecordTypeStarterPack:
		return hasString(record, "name")
	case RecordTypeLabelerService:
		return true
	case RecordTypeProfile:
		return true
	case RecordTypeLabel:
		return hasString(record, "uri") && hasString(record, "val")
	case RecordTypeVerification:
		return hasString(record, "subject") && hasString(record, "handle")
	case RecordTypeThreadGate:
		return hasString(record, "post")
	default:
		// Unknown lexicon: nothing to validate against, let it through to
		// the generic-record path.
		return true
	}
}

// hasSubject validates the `subject` field for like/repost/bookmark
// records, which carry either a bare URI string or a strong-ref object
// with a `uri` field.
func hasSubject(record map[string]interface{}) bool {
	subj, ok := record["subject"]
	if !ok {
		return false
	}
	switch s := subj.(type) {
	case string:
		return s != ""
	case map[string]interface{}:
		return hasString(s, "uri")
	default:
		return false
	}
}

func hasString(m map[string]interface{}, key string) bool {
	v, ok := m[key]
	if !ok {
		return false
	}
	s, ok := v.(string)
	return ok && s != ""
}

func hasAny(m map[string]interface{}, key string) bool {
	_, ok := m[key]
	return ok
}

// SubjectURI extracts the subject AT-URI from a like/repost/bookmark record
// validated by Validate.
func SubjectURI(record map[string]interface{}) string {
	subj, ok := record["subject"]
	if !ok {
		return ""
	}
	switch s := subj.(type) {
	case string:
		return s
	case map[string]interface{}:
		if uri, ok := s["uri"].(string); ok {
			return uri
		}
	}
	return ""
}

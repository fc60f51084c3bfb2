package storage

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// OptionKind identifies an object option.
type OptionKind int

// Object option kinds.
const (
	KindContentType OptionKind = iota + 1
	KindCacheControl
	KindContentDisposition
	KindContentEncoding
	KindContentLanguage
	KindUserMetadata
	KindPredefinedACL
	KindGenerationMatch
	KindGenerationNotMatch
	KindMetagenerationMatch
	KindMetagenerationNotMatch
)

var kindNames = map[OptionKind]string{
	KindContentType:            "contentType",
	KindCacheControl:           "cacheControl",
	KindContentDisposition:     "contentDisposition",
	KindContentEncoding:        "contentEncoding",
	KindContentLanguage:        "contentLanguage",
	KindUserMetadata:           "metadata",
	KindPredefinedACL:          "predefinedAcl",
	KindGenerationMatch:        "ifGenerationMatch",
	KindGenerationNotMatch:     "ifGenerationNotMatch",
	KindMetagenerationMatch:    "ifMetagenerationMatch",
	KindMetagenerationNotMatch: "ifMetagenerationNotMatch",
}

func (k OptionKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "OptionKind(" + strconv.Itoa(int(k)) + ")"
}

func parseKind(name string) (OptionKind, bool) {
	for k, n := range kindNames {
		if n == name {
			return k, true
		}
	}
	return 0, false
}

// ReadOptionKinds are the only kinds a Reader accepts.
var ReadOptionKinds = []OptionKind{
	KindGenerationMatch,
	KindGenerationNotMatch,
	KindMetagenerationMatch,
	KindMetagenerationNotMatch,
}

// Predefined ACL names accepted by PredefinedACL.
const (
	ACLPrivate                = "private"
	ACLPublicRead             = "publicRead"
	ACLProjectPrivate         = "projectPrivate"
	ACLAuthenticatedRead      = "authenticatedRead"
	ACLBucketOwnerRead        = "bucketOwnerRead"
	ACLBucketOwnerFullControl = "bucketOwnerFullControl"
)

var predefinedACLs = map[string]bool{
	ACLPrivate:                true,
	ACLPublicRead:             true,
	ACLProjectPrivate:         true,
	ACLAuthenticatedRead:      true,
	ACLBucketOwnerRead:        true,
	ACLBucketOwnerFullControl: true,
}

// Option is a single object option. Build it with one of the constructors
// and validate it by passing it to NewOptions.
type Option struct {
	kind     OptionKind
	text     string
	number   int64
	metadata map[string]string
}

// ContentType ...
func ContentType(v string) Option { return Option{kind: KindContentType, text: v} }

// CacheControl ...
func CacheControl(v string) Option { return Option{kind: KindCacheControl, text: v} }

// ContentDisposition ...
func ContentDisposition(v string) Option { return Option{kind: KindContentDisposition, text: v} }

// ContentEncoding ...
func ContentEncoding(v string) Option { return Option{kind: KindContentEncoding, text: v} }

// ContentLanguage ...
func ContentLanguage(v string) Option { return Option{kind: KindContentLanguage, text: v} }

// UserMetadata attaches custom key-value metadata to the object. The map is copied.
func UserMetadata(m map[string]string) Option {
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return Option{kind: KindUserMetadata, metadata: cp}
}

// PredefinedACL applies one of the ACL* canned access lists.
func PredefinedACL(v string) Option { return Option{kind: KindPredefinedACL, text: v} }

// GenerationMatch makes the operation conditional on the object's current generation.
func GenerationMatch(g int64) Option { return Option{kind: KindGenerationMatch, number: g} }

// GenerationNotMatch ...
func GenerationNotMatch(g int64) Option { return Option{kind: KindGenerationNotMatch, number: g} }

// MetagenerationMatch ...
func MetagenerationMatch(m int64) Option { return Option{kind: KindMetagenerationMatch, number: m} }

// MetagenerationNotMatch ...
func MetagenerationNotMatch(m int64) Option {
	return Option{kind: KindMetagenerationNotMatch, number: m}
}

// DoesNotExist makes an upload succeed only if no live object has the same name.
func DoesNotExist() Option { return GenerationMatch(0) }

// Kind ...
func (o Option) Kind() OptionKind { return o.kind }

// Text returns the value of string valued options.
func (o Option) Text() string { return o.text }

// Number returns the value of generation and metageneration options.
func (o Option) Number() int64 { return o.number }

// Metadata returns a copy of the user metadata.
func (o Option) Metadata() map[string]string {
	if o.metadata == nil {
		return nil
	}
	cp := make(map[string]string, len(o.metadata))
	for k, v := range o.metadata {
		cp[k] = v
	}
	return cp
}

func (o Option) validate() error {
	switch o.kind {
	case KindContentType, KindCacheControl, KindContentDisposition, KindContentEncoding, KindContentLanguage:
		if strings.TrimSpace(o.text) == "" {
			return fmt.Errorf("%w: %s must not be empty", ErrInvalidOption, o.kind)
		}
	case KindPredefinedACL:
		if !predefinedACLs[o.text] {
			return fmt.Errorf("%w: unknown predefined ACL %q", ErrInvalidOption, o.text)
		}
	case KindUserMetadata:
		if len(o.metadata) == 0 {
			return fmt.Errorf("%w: metadata must not be empty", ErrInvalidOption)
		}
		for k := range o.metadata {
			if k == "" {
				return fmt.Errorf("%w: metadata key must not be empty", ErrInvalidOption)
			}
		}
	case KindGenerationMatch, KindGenerationNotMatch, KindMetagenerationMatch, KindMetagenerationNotMatch:
		if o.number < 0 {
			return fmt.Errorf("%w: %s must not be negative, got %d", ErrInvalidOption, o.kind, o.number)
		}
	default:
		return fmt.Errorf("%w: unknown option kind %d", ErrInvalidOption, int(o.kind))
	}
	return nil
}

func (o Option) equal(other Option) bool {
	if o.kind != other.kind || o.text != other.text || o.number != other.number {
		return false
	}
	if len(o.metadata) != len(other.metadata) {
		return false
	}
	for k, v := range o.metadata {
		if w, ok := other.metadata[k]; !ok || w != v {
			return false
		}
	}
	return true
}

func (o Option) String() string {
	switch o.kind {
	case KindUserMetadata:
		keys := make([]string, 0, len(o.metadata))
		for k := range o.metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+":"+o.metadata[k])
		}
		return o.kind.String() + "={" + strings.Join(pairs, ",") + "}"
	case KindGenerationMatch, KindGenerationNotMatch, KindMetagenerationMatch, KindMetagenerationNotMatch:
		return o.kind.String() + "=" + strconv.FormatInt(o.number, 10)
	default:
		return o.kind.String() + "=" + o.text
	}
}

// Options is a validated, immutable set of object options, at most one per kind.
// The zero value is an empty set.
type Options struct {
	items []Option
}

// NewOptions validates opts. Empty values, unknown ACLs and repeated kinds are rejected.
func NewOptions(opts ...Option) (Options, error) {
	seen := map[OptionKind]bool{}
	items := make([]Option, 0, len(opts))
	for _, o := range opts {
		if err := o.validate(); err != nil {
			return Options{}, err
		}
		if seen[o.kind] {
			return Options{}, fmt.Errorf("%w: %s given more than once", ErrInvalidOption, o.kind)
		}
		seen[o.kind] = true
		if o.metadata != nil {
			o = UserMetadata(o.metadata)
		}
		items = append(items, o)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].kind < items[j].kind })
	return Options{items: items}, nil
}

// Len ...
func (o Options) Len() int { return len(o.items) }

// All returns the options ordered by kind.
func (o Options) All() []Option {
	return append([]Option(nil), o.items...)
}

// Get returns the option of the given kind.
func (o Options) Get(kind OptionKind) (Option, bool) {
	for _, item := range o.items {
		if item.kind == kind {
			return item, true
		}
	}
	return Option{}, false
}

// Text returns the value of a string valued option, "" if it is not set.
func (o Options) Text(kind OptionKind) string {
	item, _ := o.Get(kind)
	return item.text
}

// Number returns the value of a generation or metageneration option.
func (o Options) Number(kind OptionKind) (int64, bool) {
	item, ok := o.Get(kind)
	return item.number, ok
}

// Metadata returns a copy of the user metadata, nil if it is not set.
func (o Options) Metadata() map[string]string {
	item, _ := o.Get(KindUserMetadata)
	return item.Metadata()
}

// Restrict fails with ErrInvalidOption if o contains a kind outside allowed.
func (o Options) Restrict(allowed ...OptionKind) error {
	for _, item := range o.items {
		ok := false
		for _, k := range allowed {
			if item.kind == k {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("%w: %s is not supported here", ErrInvalidOption, item.kind)
		}
	}
	return nil
}

// Equal ...
func (o Options) Equal(other Options) bool {
	if len(o.items) != len(other.items) {
		return false
	}
	for i := range o.items {
		if !o.items[i].equal(other.items[i]) {
			return false
		}
	}
	return true
}

func (o Options) String() string {
	parts := make([]string, 0, len(o.items))
	for _, item := range o.items {
		parts = append(parts, item.String())
	}
	return "[" + strings.Join(parts, " ") + "]"
}

type optionRecord struct {
	Kind     string            `json:"kind"`
	Text     string            `json:"text,omitempty"`
	Number   *int64            `json:"number,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (o Options) records() []optionRecord {
	if len(o.items) == 0 {
		return nil
	}
	records := make([]optionRecord, 0, len(o.items))
	for _, item := range o.items {
		r := optionRecord{Kind: item.kind.String(), Text: item.text, Metadata: item.metadata}
		switch item.kind {
		case KindGenerationMatch, KindGenerationNotMatch, KindMetagenerationMatch, KindMetagenerationNotMatch:
			n := item.number
			r.Number = &n
		}
		records = append(records, r)
	}
	return records
}

func optionsFromRecords(records []optionRecord) (Options, error) {
	opts := make([]Option, 0, len(records))
	for _, r := range records {
		kind, ok := parseKind(r.Kind)
		if !ok {
			return Options{}, fmt.Errorf("%w: unknown option %q", ErrInvalidOption, r.Kind)
		}
		o := Option{kind: kind, text: r.Text, metadata: r.Metadata}
		switch kind {
		case KindGenerationMatch, KindGenerationNotMatch, KindMetagenerationMatch, KindMetagenerationNotMatch:
			if r.Number == nil {
				return Options{}, fmt.Errorf("%w: %s without a number", ErrInvalidOption, r.Kind)
			}
			o.number = *r.Number
		}
		opts = append(opts, o)
	}
	return NewOptions(opts...)
}

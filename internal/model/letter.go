package model

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"

	"superpost/pkg/errkind"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Status is the position of a letter in the dispatch/collect pipeline.
type Status string

const (
	StatusImported   Status = "imported"
	StatusDispatched Status = "dispatched"
	StatusReceived   Status = "received"
	StatusCollected  Status = "collected"
)

// Rank orders statuses along the pipeline. Unknown statuses rank below all
// known ones so they can never displace a real record.
func (s Status) Rank() int {
	switch s {
	case StatusImported:
		return 0
	case StatusDispatched:
		return 1
	case StatusReceived:
		return 2
	case StatusCollected:
		return 3
	default:
		return -1
	}
}

func (s Status) Valid() bool { return s.Rank() >= 0 }

// DocumentType tags the schema of the content attached to a letter.
type DocumentType string

const (
	DocumentLetter     DocumentType = "letter"
	DocumentPostcard   DocumentType = "postcard"
	DocumentParcel     DocumentType = "parcel"
	DocumentInvitation DocumentType = "invitation"
)

func (d DocumentType) Valid() bool {
	switch d {
	case DocumentLetter, DocumentPostcard, DocumentParcel, DocumentInvitation:
		return true
	}
	return false
}

// Identity is a sender or recipient.
type Identity struct {
	Name    string `json:"name" yaml:"name"`
	Address string `json:"address,omitempty" yaml:"address,omitempty"`
}

// UnmarshalJSON accepts either an object or a bare name: "Mario".
func (id *Identity) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var name string
		if err := json.Unmarshal(b, &name); err != nil {
			return err
		}
		*id = Identity{Name: name}
		return nil
	}
	type plain Identity
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*id = Identity(p)
	return nil
}

// UnmarshalYAML is the YAML counterpart of UnmarshalJSON.
func (id *Identity) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		*id = Identity{Name: n.Value}
		return nil
	}
	type plain Identity
	var p plain
	if err := n.Decode(&p); err != nil {
		return err
	}
	*id = Identity(p)
	return nil
}

// Message references the letter content. Document, when set, is a key in
// the object store.
type Message struct {
	Topic    string `json:"topic" yaml:"topic"`
	Document string `json:"document,omitempty" yaml:"document,omitempty"`
}

// Letter is the unit of work flowing through Dispatch and Collect.
type Letter struct {
	LetterID     string       `json:"letterId" yaml:"letterId"`
	Sender       Identity     `json:"sender" yaml:"sender"`
	Recipient    Identity     `json:"recipient" yaml:"recipient"`
	Message      Message      `json:"message" yaml:"message"`
	DocumentType DocumentType `json:"documentType,omitempty" yaml:"documentType,omitempty"`
	Status       Status       `json:"status,omitempty" yaml:"status,omitempty"`
	Reaction     string       `json:"reaction,omitempty" yaml:"reaction,omitempty"`
	UpdatedAt    time.Time    `json:"updatedAt" yaml:"updatedAt"`
}

// letterNamespace seeds deterministic letter ids so that re-importing the
// same batch yields the same ids.
var letterNamespace = uuid.MustParse("6f1c1b0e-6a43-4a53-9a8e-5c0de1e77e12")

// DeriveLetterID returns a stable id for the index-th letter of a batch.
func DeriveLetterID(batchRef string, index int) string {
	return uuid.NewSHA1(letterNamespace, []byte(batchRef+"#"+strconv.Itoa(index))).String()
}

// Validate checks the fields every workflow step relies on.
func (l *Letter) Validate() error {
	const op = "letter.validate"
	var missing []string
	if strings.TrimSpace(l.Sender.Name) == "" {
		missing = append(missing, "sender.name")
	}
	if strings.TrimSpace(l.Recipient.Name) == "" {
		missing = append(missing, "recipient.name")
	}
	if strings.TrimSpace(l.Message.Topic) == "" {
		missing = append(missing, "message.topic")
	}
	if len(missing) > 0 {
		return errkind.Validationf(op, "letter %q missing %s", l.LetterID, strings.Join(missing, ", "))
	}
	if l.DocumentType != "" && !l.DocumentType.Valid() {
		return errkind.Validationf(op, "letter %q has unknown document type %q", l.LetterID, l.DocumentType)
	}
	if l.Status != "" && !l.Status.Valid() {
		return errkind.Validationf(op, "letter %q has unknown status %q", l.LetterID, l.Status)
	}
	return nil
}

// Supersedes reports whether l should replace existing under the idempotent
// write rule. Records are ordered by (status rank, updatedAt); a write wins
// only when it is strictly greater. The order is total, so applying any set
// of writes in any order converges on the same record.
func (l *Letter) Supersedes(existing *Letter) bool {
	if existing == nil {
		return true
	}
	if r, er := l.Status.Rank(), existing.Status.Rank(); r != er {
		return r > er
	}
	return l.UpdatedAt.After(existing.UpdatedAt)
}

// Clone returns a copy safe to mutate.
func (l *Letter) Clone() *Letter {
	if l == nil {
		return nil
	}
	cp := *l
	return &cp
}

package store

import "time"

// Document is a stored note: the canonical text projection, the optional
// html projection, the opaque CRDT snapshot those projections were derived
// from, and analytics counters.
type Document struct {
	ID            string    `gorm:"column:id;primaryKey;size:190" json:"id"`
	Title         string    `gorm:"column:title;size:512;not null" json:"title"`
	Content       string    `gorm:"column:content;type:text;not null" json:"content"`
	HTMLContent   string    `gorm:"column:html_content;type:text" json:"htmlContent,omitempty"`
	RenderMode    string    `gorm:"column:render_mode;size:16;not null;default:markdown" json:"renderMode"`
	Metadata      []byte    `gorm:"column:metadata;type:jsonb" json:"-"`
	CRDTSnapshot  []byte    `gorm:"column:crdt_snapshot;type:bytea" json:"-"`
	Views         int64     `gorm:"column:views;not null;default:0" json:"views"`
	ActiveEditors int       `gorm:"column:active_editors;not null;default:0" json:"activeEditors"`
	PublishedAt   time.Time `gorm:"column:published_at" json:"publishedAt"`
	UpdatedAt     time.Time `gorm:"column:updated_at" json:"updatedAt"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// Clone creates a deep copy of the document.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := *d
	if d.Metadata != nil {
		out.Metadata = append([]byte(nil), d.Metadata...)
	}
	if d.CRDTSnapshot != nil {
		out.CRDTSnapshot = append([]byte(nil), d.CRDTSnapshot...)
	}
	return &out
}

// Summary is the list projection of a document row.
type Summary struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	RenderMode    string    `json:"renderMode"`
	Views         int64     `json:"views"`
	ActiveEditors int       `json:"activeEditors"`
	PublishedAt   time.Time `json:"publishedAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Version is one append-only snapshot of a document, written by an explicit
// save rather than per edit.
type Version struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement" json:"-"`
	DocumentID string    `gorm:"column:document_id;size:190;not null;uniqueIndex:idx_versions_doc_version,priority:1" json:"documentId"`
	Version    int       `gorm:"column:version;not null;uniqueIndex:idx_versions_doc_version,priority:2" json:"version"`
	Snapshot   []byte    `gorm:"column:snapshot;type:bytea;not null" json:"-"`
	Metadata   []byte    `gorm:"column:metadata;type:jsonb" json:"-"`
	CreatedAt  time.Time `gorm:"column:created_at;not null" json:"createdAt"`
	CreatedBy  string    `gorm:"column:created_by;size:190" json:"createdBy,omitempty"`
	Message    string    `gorm:"column:message;type:text" json:"message,omitempty"`

	Document Document `gorm:"foreignKey:DocumentID;references:ID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName provides the explicit table binding for GORM.
func (Version) TableName() string {
	return "versions"
}

// Comment rows predate the comment map inside the CRDT snapshot. The live
// system never reads or writes them; the table is migrated so existing
// databases keep loading.
type Comment struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement"`
	DocumentID string    `gorm:"column:document_id;size:190;not null;index"`
	Author     string    `gorm:"column:author;size:190;not null"`
	Content    string    `gorm:"column:content;type:text;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Comment) TableName() string {
	return "comments"
}

// User rows are legacy as well; identity is soft state carried in awareness
// records, never rows.
type User struct {
	ID          string    `gorm:"column:id;primaryKey;size:190"`
	DisplayName string    `gorm:"column:display_name;size:190"`
	Color       string    `gorm:"column:color;size:32"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return "users"
}

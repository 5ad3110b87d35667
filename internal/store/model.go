package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Properties is a flat name/value property set persisted as JSON text.
type Properties map[string]string

// Value implements driver.Valuer.
func (p Properties) Value() (driver.Value, error) {
	if p == nil {
		return "{}", nil
	}
	encoded, err := json.Marshal(map[string]string(p))
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}

// Scan implements sql.Scanner.
func (p *Properties) Scan(value any) error {
	decoded := make(map[string]string)
	switch typed := value.(type) {
	case nil:
		*p = decoded
		return nil
	case []byte:
		if len(typed) > 0 {
			if err := json.Unmarshal(typed, &decoded); err != nil {
				return err
			}
		}
	case string:
		if typed != "" {
			if err := json.Unmarshal([]byte(typed), &decoded); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("store: unsupported properties column type %T", value)
	}
	*p = decoded
	return nil
}

// Clone returns an independent copy.
func (p Properties) Clone() Properties {
	clone := make(Properties, len(p))
	for key, value := range p {
		clone[key] = value
	}
	return clone
}

// PropertyDelta describes property writes; a nil value removes the property.
type PropertyDelta map[string]*string

// ApplyTo returns a copy of base with the delta merged in.
func (d PropertyDelta) ApplyTo(base Properties) Properties {
	merged := base.Clone()
	for name, value := range d {
		if value == nil {
			delete(merged, name)
			continue
		}
		merged[name] = *value
	}
	return merged
}

// Empty reports whether the delta carries no writes.
func (d PropertyDelta) Empty() bool {
	return len(d) == 0
}

// NodeRecord is the flat, path-addressed row behind every navigation node and default document.
type NodeRecord struct {
	ID                string     `gorm:"column:id;primaryKey;size:64;not null"`
	Path              string     `gorm:"column:path;size:1024;not null;uniqueIndex:idx_sitemap_nodes_path"`
	ParentPath        string     `gorm:"column:parent_path;size:1024;not null;default:'';index:idx_sitemap_nodes_parent"`
	Name              string     `gorm:"column:name;size:255;not null"`
	Kind              string     `gorm:"column:kind;size:16;not null"`
	DefaultContentOf  string     `gorm:"column:default_content_of;size:64;not null;default:'';index"`
	Position          *float64   `gorm:"column:position"`
	State             string     `gorm:"column:state;size:16;not null"`
	StateBeforeDelete string     `gorm:"column:state_before_delete;size:16;not null;default:''"`
	Properties        Properties `gorm:"column:properties_json;type:text;not null"`
	CreatedAtSeconds  int64      `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds  int64      `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (NodeRecord) TableName() string {
	return "sitemap_nodes"
}

// LockRecord stores the exclusive advisory lock held on a node. Holds counts the outstanding
// guards of the owner.
type LockRecord struct {
	NodeID            string `gorm:"column:node_id;primaryKey;size:64;not null"`
	Owner             string `gorm:"column:owner;size:190;not null"`
	Holds             int    `gorm:"column:holds;not null;default:1"`
	AcquiredAtSeconds int64  `gorm:"column:acquired_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (LockRecord) TableName() string {
	return "sitemap_locks"
}

// ReferenceRecord stores one inbound link from a source resource to a node.
type ReferenceRecord struct {
	ReferenceID int64  `gorm:"column:reference_id;primaryKey;autoIncrement"`
	SourceID    string `gorm:"column:source_id;size:64;not null;uniqueIndex:idx_sitemap_reference_edge,priority:1"`
	SourcePath  string `gorm:"column:source_path;size:1024;not null"`
	SourceTitle string `gorm:"column:source_title;size:512;not null;default:''"`
	SourceRole  string `gorm:"column:source_role;size:32;not null"`
	TargetID    string `gorm:"column:target_id;size:64;not null;index;uniqueIndex:idx_sitemap_reference_edge,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (ReferenceRecord) TableName() string {
	return "sitemap_references"
}

package entstore

import (
	"entgo.io/ent/dialect/sql/schema"
	"entgo.io/ent/schema/field"
)

var (
	// StreamsColumns holds the columns for the "streams" table.
	StreamsColumns = []*schema.Column{
		{Name: "id", Type: field.TypeString},
		{Name: "name", Type: field.TypeString, Default: ""},
		{Name: "is_public", Type: field.TypeBool, Default: false},
		{Name: "created_at", Type: field.TypeTime},
	}
	// StreamsTable holds the schema information for the "streams" table.
	StreamsTable = &schema.Table{
		Name:       "streams",
		Columns:    StreamsColumns,
		PrimaryKey: []*schema.Column{StreamsColumns[0]},
	}

	// BranchesColumns holds the columns for the "branches" table.
	BranchesColumns = []*schema.Column{
		{Name: "id", Type: field.TypeString},
		{Name: "stream_id", Type: field.TypeString},
		{Name: "name", Type: field.TypeString},
		{Name: "created_at", Type: field.TypeTime},
	}
	// BranchesTable holds the schema information for the "branches" table.
	BranchesTable = &schema.Table{
		Name:       "branches",
		Columns:    BranchesColumns,
		PrimaryKey: []*schema.Column{BranchesColumns[0]},
		Indexes: []*schema.Index{
			{Name: "branch_stream_name", Unique: true, Columns: []*schema.Column{BranchesColumns[1], BranchesColumns[2]}},
		},
	}

	// CommitsColumns holds the columns for the "commits" table.
	CommitsColumns = []*schema.Column{
		{Name: "id", Type: field.TypeString},
		{Name: "stream_id", Type: field.TypeString},
		{Name: "branch_id", Type: field.TypeString},
		{Name: "branch_name", Type: field.TypeString},
		{Name: "referenced_object", Type: field.TypeString},
		{Name: "message", Type: field.TypeString, Default: ""},
		{Name: "author_id", Type: field.TypeString, Default: ""},
		{Name: "created_at", Type: field.TypeTime},
	}
	// CommitsTable holds the schema information for the "commits" table.
	CommitsTable = &schema.Table{
		Name:       "commits",
		Columns:    CommitsColumns,
		PrimaryKey: []*schema.Column{CommitsColumns[0]},
		Indexes: []*schema.Index{
			{Name: "commit_stream_created", Columns: []*schema.Column{CommitsColumns[1], CommitsColumns[7]}},
			{Name: "commit_branch_created", Columns: []*schema.Column{CommitsColumns[2], CommitsColumns[7]}},
			{Name: "commit_referenced_object", Columns: []*schema.Column{CommitsColumns[4]}},
		},
	}

	// ObjectsColumns holds the columns for the "objects" table.
	ObjectsColumns = []*schema.Column{
		{Name: "id", Type: field.TypeString},
		{Name: "stream_id", Type: field.TypeString},
		{Name: "speckle_type", Type: field.TypeString, Default: ""},
		{Name: "created_at", Type: field.TypeTime},
	}
	// ObjectsTable holds the schema information for the "objects" table.
	ObjectsTable = &schema.Table{
		Name:       "objects",
		Columns:    ObjectsColumns,
		PrimaryKey: []*schema.Column{ObjectsColumns[1], ObjectsColumns[0]},
	}

	// StreamACLColumns holds the columns for the "stream_acl" table.
	StreamACLColumns = []*schema.Column{
		{Name: "stream_id", Type: field.TypeString},
		{Name: "user_id", Type: field.TypeString},
		{Name: "role", Type: field.TypeString},
	}
	// StreamACLTable holds the schema information for the "stream_acl" table.
	StreamACLTable = &schema.Table{
		Name:       "stream_acl",
		Columns:    StreamACLColumns,
		PrimaryKey: []*schema.Column{StreamACLColumns[0], StreamACLColumns[1]},
	}

	// ObjectPreviewsColumns holds the columns for the "object_previews" table.
	ObjectPreviewsColumns = []*schema.Column{
		{Name: "stream_id", Type: field.TypeString},
		{Name: "object_id", Type: field.TypeString},
		{Name: "angle", Type: field.TypeString},
		{Name: "status", Type: field.TypeString},
		{Name: "attempts", Type: field.TypeInt, Default: 0},
		{Name: "payload", Type: field.TypeBytes, Nullable: true},
		{Name: "failure_reason", Type: field.TypeString, Nullable: true},
		{Name: "created_at", Type: field.TypeTime},
		{Name: "completed_at", Type: field.TypeTime, Nullable: true},
	}
	// ObjectPreviewsTable holds the schema information for the "object_previews" table.
	ObjectPreviewsTable = &schema.Table{
		Name:       "object_previews",
		Columns:    ObjectPreviewsColumns,
		PrimaryKey: []*schema.Column{ObjectPreviewsColumns[0], ObjectPreviewsColumns[1], ObjectPreviewsColumns[2]},
		Indexes: []*schema.Index{
			{Name: "object_preview_status_created", Columns: []*schema.Column{ObjectPreviewsColumns[3], ObjectPreviewsColumns[7]}},
		},
	}

	// Tables holds all the tables in the schema.
	Tables = []*schema.Table{
		StreamsTable,
		BranchesTable,
		CommitsTable,
		ObjectsTable,
		StreamACLTable,
		ObjectPreviewsTable,
	}
)

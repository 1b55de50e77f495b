// Package sysids names the well-known systemId strings the bootstrap
// contract (§6) installs and every other component references by literal
// value: the system fields and meta-supertags that make the node/property
// model self-describing.
package sysids

// System fields (§6: "field:supertag, field:extends, field:field_type").
const (
	FieldSupertag  = "field:supertag"
	FieldExtends   = "field:extends"
	FieldFieldType = "field:field_type"
)

// Meta-supertags (§6) that classify the system's own building blocks.
const (
	SupertagMeta = "#Supertag"
	FieldMeta    = "#Field"
	SystemMeta   = "#System"
)

// Common entity supertags (§6) installed by bootstrap for the derived-entity
// shapes described in §3.
const (
	SupertagItem          = "#Item"
	SupertagTool          = "#Tool"
	SupertagRepo          = "#Repo"
	SupertagTag           = "#Tag"
	SupertagCommand       = "#Command"
	SupertagWorkspace     = "#Workspace"
	SupertagInbox         = "#Inbox"
	SupertagAutomation    = "#Automation"
	SupertagComputedField = "#ComputedField"
	SupertagQuery         = "#Query"
)

// Automation node properties (§4.8).
const (
	FieldAutomationDefinition = "automation_definition"
	FieldAutomationState      = "automation_state"
	FieldAutomationLastFired  = "automation_last_fired"
	FieldAutomationEnabled    = "automation_enabled"
)

// Computed-field node properties (§4.9).
const (
	FieldComputedFieldDefinition = "computed_field_definition"
	FieldComputedFieldValue      = "computed_field_value"
	FieldComputedFieldUpdatedAt  = "computed_field_updated_at"
)

// FieldParent backs the hierarchical #Tag shape (§3).
const FieldParent = "field:parent"

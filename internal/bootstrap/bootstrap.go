// Package bootstrap installs the self-describing system nodes the rest of
// the core assumes exist (§6, §9 "self-referential bootstrap"): the meta
// supertags, the system fields, and the common entity supertags.
package bootstrap

import (
	"context"

	"github.com/popemkt/nxus/internal/errors"
	"github.com/popemkt/nxus/internal/logger"
	"github.com/popemkt/nxus/internal/nodedb"
	"github.com/popemkt/nxus/internal/sysids"
)

// fieldType names the PropertyValueKind a system field is expected to hold,
// recorded as that field's own field:field_type property (§9).
type fieldType string

const (
	typeRef  fieldType = "ref"
	typeText fieldType = "text"
)

var commonSupertags = []string{
	sysids.SupertagItem,
	sysids.SupertagTool,
	sysids.SupertagRepo,
	sysids.SupertagTag,
	sysids.SupertagCommand,
	sysids.SupertagWorkspace,
	sysids.SupertagInbox,
	sysids.SupertagAutomation,
	sysids.SupertagComputedField,
	sysids.SupertagQuery,
}

// Run installs the bootstrap node set if it hasn't already run (presence of
// field:supertag, §6), and is a no-op otherwise.
func Run(ctx context.Context, nodes *nodedb.Service, log *logger.Logger) error {
	if log == nil {
		log = logger.NewDefault("bootstrap")
	}

	if _, err := nodes.ResolveNode(ctx, sysids.FieldSupertag); err == nil {
		log.Debug("bootstrap already applied, skipping")
		return nil
	} else if !errors.Is(err, errors.NotFound) {
		return err
	}

	log.Info("running bootstrap")

	// The supertag field and the #Supertag meta-supertag each need the
	// other to exist before either can be tagged with it, so both are
	// created untagged first and wired together afterward (§9).
	fieldSupertagID, err := nodes.CreateNode(ctx, nodedb.CreateNodeInput{SystemID: sysids.FieldSupertag, Content: sysids.FieldSupertag})
	if err != nil {
		return err
	}
	supertagMetaID, err := nodes.CreateNode(ctx, nodedb.CreateNodeInput{SystemID: sysids.SupertagMeta, Content: sysids.SupertagMeta})
	if err != nil {
		return err
	}
	if err := nodes.AddNodeSupertag(ctx, fieldSupertagID, supertagMetaID); err != nil {
		return err
	}
	if err := nodes.AddNodeSupertag(ctx, supertagMetaID, supertagMetaID); err != nil {
		return err
	}

	fieldMetaID, err := nodes.CreateNode(ctx, nodedb.CreateNodeInput{SystemID: sysids.FieldMeta, Content: sysids.FieldMeta, Supertag: supertagMetaID})
	if err != nil {
		return err
	}
	if _, err := nodes.CreateNode(ctx, nodedb.CreateNodeInput{SystemID: sysids.SystemMeta, Content: sysids.SystemMeta, Supertag: supertagMetaID}); err != nil {
		return err
	}

	fieldExtendsID, err := nodes.CreateNode(ctx, nodedb.CreateNodeInput{SystemID: sysids.FieldExtends, Content: sysids.FieldExtends, Supertag: fieldMetaID})
	if err != nil {
		return err
	}
	fieldFieldTypeID, err := nodes.CreateNode(ctx, nodedb.CreateNodeInput{SystemID: sysids.FieldFieldType, Content: sysids.FieldFieldType, Supertag: fieldMetaID})
	if err != nil {
		return err
	}

	for _, st := range commonSupertags {
		if _, err := nodes.CreateNode(ctx, nodedb.CreateNodeInput{SystemID: st, Content: st, Supertag: supertagMetaID}); err != nil {
			return err
		}
	}

	annotations := map[string]fieldType{
		fieldSupertagID:  typeRef,
		fieldExtendsID:   typeRef,
		fieldFieldTypeID: typeText,
	}
	for fieldID, ft := range annotations {
		if err := nodes.SetProperty(ctx, fieldID, sysids.FieldFieldType, string(ft), 0); err != nil {
			return err
		}
	}

	log.Info("bootstrap complete")
	return nil
}

package resource

import (
	"context"
	"fmt"
	"strconv"
)

// Model binding scopes (bindModelType / modelNamespaceType label).
const (
	ModelScopePublic = "public"
	ModelScopeUser   = "user"
	ModelScopeGroup  = "group"
)

// ResolveModel resolves the effective model for a bot execution. Resolution
// order:
//
//  1. task label forceOverrideBotModel=true with a modelId label
//  2. bot bindModel (scoped by bindModelType)
//  3. task label modelId without the force flag
//  4. bot modelRef
//
// The returned spec has its API key decrypted with the given cipher; it
// must only be used to assemble a dispatch payload or shell request. A nil
// spec with nil error means the bot runs without an explicit model binding.
func (s *Store) ResolveModel(ctx context.Context, cipher *Cipher, ownerID int64, labels map[string]string, bot *BotSpec) (*ModelSpec, error) {
	forced := labels[LabelForceOverrideModel] == "true"
	labelModel := labels[LabelModelID]
	labelScope := labels[LabelModelNamespaceType]

	var res *Resource
	var err error
	switch {
	case forced && labelModel != "":
		res, err = s.findModel(ctx, ownerID, labelModel, labelScope)
	case bot.BindModel != "":
		res, err = s.findModel(ctx, ownerID, bot.BindModel, bot.BindModelType)
	case labelModel != "":
		res, err = s.findModel(ctx, ownerID, labelModel, labelScope)
	case !bot.ModelRef.IsZero():
		res, err = s.ResolveRef(ctx, ownerID, KindModel, bot.ModelRef)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve model: %w", err)
	}

	var spec ModelSpec
	if err := res.DecodeSpec(&spec); err != nil {
		return nil, err
	}
	if spec.APIKey != "" {
		plain, err := cipher.DecryptString(spec.APIKey)
		if err != nil {
			return nil, fmt.Errorf("decrypt api key for model %s: %w", res.Name, err)
		}
		spec.APIKey = plain
	}
	return &spec, nil
}

// findModel looks up a model by resource id or name within the given scope.
func (s *Store) findModel(ctx context.Context, ownerID int64, nameOrID, scope string) (*Resource, error) {
	if id, err := strconv.ParseInt(nameOrID, 10, 64); err == nil {
		res, err := s.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if res.Kind != KindModel {
			return nil, fmt.Errorf("resource %d is %s, not a model", id, res.Kind)
		}
		return res, nil
	}

	switch scope {
	case ModelScopePublic:
		return s.Get(ctx, PublicOwner, KindModel, nameOrID, DefaultNamespace)
	case ModelScopeUser:
		return s.Get(ctx, ownerID, KindModel, nameOrID, DefaultNamespace)
	default: // group or unset: owner first, public fallback
		return s.GetWithFallback(ctx, ownerID, KindModel, nameOrID, DefaultNamespace)
	}
}

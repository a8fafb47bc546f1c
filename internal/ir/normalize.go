package ir

import "encoding/json"

// kindAliases maps alternate type names agents emit to catalog kinds.
var kindAliases = map[string]ActionKind{
	"create":             KindCreateInstance,
	"createFolder":       KindCreateInstance,
	"createScript":       KindCreateInstance,
	"createLocalScript":  KindCreateInstance,
	"createModuleScript": KindCreateInstance,
	"insert":             KindInsertAsset,
	"set":                KindSetProperty,
	"clone":              KindCloneInstance,
	"clear":              KindClearChildren,
	"tags":               KindSetTags,
	"delete":             KindDeleteInstance,
	"destroy":            KindDeleteInstance,
	"remove":             KindDeleteInstance,
	"setName":            KindRename,
	"setParent":          KindMove,
	"reparent":           KindMove,
	"setAttr":            KindSetAttribute,
	"setSource":          KindEditScript,
	"writeScript":        KindEditScript,
}

// aliasClassNames supplies className for create aliases that imply one.
var aliasClassNames = map[string]string{
	"createFolder":       "Folder",
	"createScript":       "Script",
	"createLocalScript":  "LocalScript",
	"createModuleScript": "ModuleScript",
}

// fieldAliases maps alternate field names to canonical ones, per kind.
// The "" entry applies to every kind.
var fieldAliases = map[ActionKind]map[string]string{
	"": {
		"kind":         "type",
		"op":           "type",
		"action":       "type",
		"target":       "path",
		"targetPath":   "path",
		"expectedSha1": "expectedHash",
		"hash":         "expectedHash",
	},
	KindCreateInstance:   {"parent": "parentPath", "class": "className", "code": "source"},
	KindInsertAsset:      {"parent": "parentPath", "id": "assetId"},
	KindSetProperty:      {"key": "property", "name": "property"},
	KindCloneInstance:    {"parent": "parentPath", "newName": "name"},
	KindRename:           {"name": "newName"},
	KindMove:             {"parent": "newParentPath", "newParent": "newParentPath", "parentPath": "newParentPath"},
	KindSetAttribute:     {"key": "attribute", "name": "attribute"},
	KindEditScript:       {"code": "source", "text": "source"},
	KindAnimationCreate:  {"parent": "parentPath"},
	KindAnimationPreview: {"rig": "rigPath"},
}

// normalizeAction rewrites alias type and field names in place. Canonical
// names always win over aliases when both are present.
func normalizeAction(fields map[string]json.RawMessage) {
	renameFields(fields, fieldAliases[""])

	var typ string
	if raw, ok := fields["type"]; ok {
		_ = json.Unmarshal(raw, &typ)
	}
	kind, aliased := kindAliases[typ]
	if !aliased {
		kind = ActionKind(typ)
	} else {
		fields["type"] = mustJSON(string(kind))
		if cls, ok := aliasClassNames[typ]; ok {
			if _, has := fields["className"]; !has {
				fields["className"] = mustJSON(cls)
			}
		}
	}

	renameFields(fields, fieldAliases[kind])

	switch kind {
	case KindEditScript:
		if _, has := fields["mode"]; !has {
			fields["mode"] = mustJSON(string(EditReplace))
		}
	case KindCreateInstance:
		// "path" on a create names the object to be created.
		if raw, ok := fields["path"]; ok {
			var p string
			if json.Unmarshal(raw, &p) == nil && p != "" {
				if _, has := fields["parentPath"]; !has {
					fields["parentPath"] = mustJSON(ParentOf(p))
				}
				if _, has := fields["name"]; !has {
					fields["name"] = mustJSON(BaseName(p))
				}
			}
		}
	}
}

func renameFields(fields map[string]json.RawMessage, aliases map[string]string) {
	for alias, canonical := range aliases {
		raw, ok := fields[alias]
		if !ok {
			continue
		}
		if _, has := fields[canonical]; !has {
			fields[canonical] = raw
		}
		delete(fields, alias)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

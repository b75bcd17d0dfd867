package deadletter

import "github.com/xraph/deadletter/id"

// ID is the primary identifier type for all deadletter entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix

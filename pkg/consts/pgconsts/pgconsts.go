package pgconsts

const (
	// Username is the replication user created during setup.
	Username = "dbcursor"
	// SlotName is the logical replication slot streamed from.
	SlotName = "dbcursor_cdc"
	// PublicationName is the publication the slot decodes.
	PublicationName = "dbcursor"
	// Plugin is the logical decoding output plugin.
	Plugin = "pgoutput"
)

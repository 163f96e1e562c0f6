package node

// Distribution capability flags.
const (
	FlagPublished          uint64 = 0x1
	FlagExtendedReferences uint64 = 0x4
	FlagNewFunTags         uint64 = 0x80
	FlagExtendedPidsPorts  uint64 = 0x100
	FlagExportPtrTag       uint64 = 0x200
	FlagBitBinaries        uint64 = 0x400
	FlagNewFloats          uint64 = 0x800
	FlagSmallAtomTags      uint64 = 0x4000
	FlagUTF8Atoms          uint64 = 0x10000
	FlagMapTag             uint64 = 0x20000
	FlagBigCreation        uint64 = 0x40000
	FlagSendSender         uint64 = 0x80000
	FlagHandshake23        uint64 = 0x1000000
	FlagUnlinkID           uint64 = 0x2000000
	FlagV4NC               uint64 = 1 << 34
)

// DefaultFlags is what a hidden C node advertises. It never sets
// FlagPublished, so the host does not add it to its visible node list.
const DefaultFlags = FlagExtendedReferences |
	FlagNewFunTags |
	FlagExtendedPidsPorts |
	FlagExportPtrTag |
	FlagBitBinaries |
	FlagNewFloats |
	FlagSmallAtomTags |
	FlagUTF8Atoms |
	FlagMapTag |
	FlagBigCreation |
	FlagSendSender |
	FlagHandshake23 |
	FlagUnlinkID |
	FlagV4NC

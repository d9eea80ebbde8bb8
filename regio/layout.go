package regio

// Core register fields. Offsets, widths and reset values are the hardware
// contract and must not be changed.
var (
	RxWinSzDef      = Field{Name: "RXWINSZDEF", Space: Core, Addr: 0x00, Shift: 0, Width: 4, Reset: 0x2}
	RwbleEn         = Field{Name: "RWBLE_EN", Space: Core, Addr: 0x00, Shift: 8, Width: 1}
	ScanAbort       = Field{Name: "SCAN_ABORT", Space: Core, Addr: 0x00, Shift: 24, Width: 1}
	AdvertAbort     = Field{Name: "ADVERT_ABORT", Space: Core, Addr: 0x00, Shift: 25, Width: 1}
	RftestAbort     = Field{Name: "RFTEST_ABORT", Space: Core, Addr: 0x00, Shift: 26, Width: 1}
	LinkAbort       = Field{Name: "LINK_ABORT", Space: Core, Addr: 0x00, Shift: 27, Width: 1}
	SwintReq        = Field{Name: "SWINT_REQ", Space: Core, Addr: 0x00, Shift: 28, Width: 1}
	RegSoftRst      = Field{Name: "REG_SOFT_RST", Space: Core, Addr: 0x00, Shift: 29, Width: 1}
	MasterTgSoftRst = Field{Name: "MASTER_TGSOFT_RST", Space: Core, Addr: 0x00, Shift: 30, Width: 1}
	MasterSoftRst   = Field{Name: "MASTER_SOFT_RST", Space: Core, Addr: 0x00, Shift: 31, Width: 1}

	IntCntl = Field{Name: "INTCNTL", Space: Core, Addr: 0x0C, Shift: 0, Width: 5, Reset: 0x1F}
	IntStat = Field{Name: "INTSTAT", Space: Core, Addr: 0x10, Shift: 0, Width: 5}
	IntAck  = Field{Name: "INTACK", Space: Core, Addr: 0x18, Shift: 0, Width: 5}

	BaseTimeCnt = Field{Name: "BASETIMECNT", Space: Core, Addr: 0x1C, Shift: 0, Width: 27}
	FineCnt     = Field{Name: "FINECNT", Space: Core, Addr: 0x20, Shift: 0, Width: 10}
	GrossTarget = Field{Name: "GROSSTARGET", Space: Core, Addr: 0x24, Shift: 0, Width: 27}
	GrossArmed  = Field{Name: "GROSSARMED", Space: Core, Addr: 0x24, Shift: 31, Width: 1}
	FineTarget  = Field{Name: "FINETARGET", Space: Core, Addr: 0x28, Shift: 0, Width: 27}
	EtCsPtr     = Field{Name: "ET_CSPTR", Space: Core, Addr: 0x2C, Shift: 0, Width: 16}
	EtProg      = Field{Name: "ET_PROG", Space: Core, Addr: 0x2C, Shift: 31, Width: 1}

	CsFormatErr = Field{Name: "CSFORMAT_ERR", Space: Core, Addr: 0x30, Shift: 0, Width: 1}
	TxCryptErr  = Field{Name: "TXCRYPT_ERR", Space: Core, Addr: 0x30, Shift: 1, Width: 1}
	RxCryptErr  = Field{Name: "RXCRYPT_ERR", Space: Core, Addr: 0x30, Shift: 2, Width: 1}
	EmAllocErr  = Field{Name: "EMALLOC_ERR", Space: Core, Addr: 0x30, Shift: 5, Width: 1}
	ErrorStat   = Field{Name: "ERRORTYPESTAT", Space: Core, Addr: 0x30, Shift: 0, Width: 8}
)

// Interrupt status/acknowledge bits.
const (
	IntWake  uint32 = 1 << 0 // gross target reached
	IntRx    uint32 = 1 << 1
	IntEnd   uint32 = 1 << 2
	IntError uint32 = 1 << 3
	IntStart uint32 = 1 << 4 // fine target reached, event started
)

// Exchange memory map.
const (
	CsBase      uint16 = 0x0000
	CsSize      uint16 = 0x0050
	TxDescBase  uint16 = 0x0060
	TxDescSize  uint16 = 0x000A
	RxDescBase  uint16 = 0x0300
	RxDescSize  uint16 = 0x0010
	TxDataBase  uint16 = 0x0500
	RxDataBase  uint16 = 0x0F00
	DataBufSize uint16 = 0x0028
	EMSize      uint16 = 0x1400

	MaxTxDesc = 64
	MaxRxDesc = 32
)

// Control structure format codes (CS_FORMAT).
const (
	FmtMasterConnect  = 0x02
	FmtSlaveConnect   = 0x03
	FmtLDAdvertiser   = 0x04
	FmtHDAdvertiser   = 0x05
	FmtPassiveScanner = 0x08
	FmtActiveScanner  = 0x09
	FmtInitiator      = 0x0F
	FmtRxTest         = 0x1C
	FmtTxTest         = 0x1D
)

// Control structure fields, relative to the control structure base.
var (
	CsFormat    = Field{Name: "CS_FORMAT", Space: EM, Addr: 0x00, Shift: 0, Width: 5}
	CsDnAbort   = Field{Name: "CS_DNABORT", Space: EM, Addr: 0x00, Shift: 5, Width: 1}
	CsTxCryptEn = Field{Name: "CS_TXCRYPT_EN", Space: EM, Addr: 0x00, Shift: 8, Width: 1}
	CsRxCryptEn = Field{Name: "CS_RXCRYPT_EN", Space: EM, Addr: 0x00, Shift: 9, Width: 1}
	CsSyncLo    = Field{Name: "CS_SYNCWORD0", Space: EM, Addr: 0x02, Shift: 0, Width: 16}
	CsSyncHi    = Field{Name: "CS_SYNCWORD1", Space: EM, Addr: 0x04, Shift: 0, Width: 16}
	CsCrcLo     = Field{Name: "CS_CRCINIT0", Space: EM, Addr: 0x06, Shift: 0, Width: 16}
	CsCrcHi     = Field{Name: "CS_CRCINIT1", Space: EM, Addr: 0x08, Shift: 0, Width: 8}
	CsChIdx     = Field{Name: "CS_CH_IDX", Space: EM, Addr: 0x0A, Shift: 0, Width: 6}
	CsTxPwr     = Field{Name: "CS_TXPWR", Space: EM, Addr: 0x0A, Shift: 8, Width: 8}
	CsRxWide    = Field{Name: "CS_RXWIDE", Space: EM, Addr: 0x0C, Shift: 0, Width: 15}
	CsRxWinSz   = Field{Name: "CS_RXWINSZ", Space: EM, Addr: 0x0E, Shift: 0, Width: 16}
	CsTxPtr     = Field{Name: "CS_TXDESCPTR", Space: EM, Addr: 0x10, Shift: 0, Width: 16}
	CsDuration  = Field{Name: "CS_MAXEVTIME", Space: EM, Addr: 0x12, Shift: 0, Width: 16}
	CsInterval  = Field{Name: "CS_INTERVAL", Space: EM, Addr: 0x14, Shift: 0, Width: 16}
	CsChMap0    = Field{Name: "CS_LLCHMAP0", Space: EM, Addr: 0x16, Shift: 0, Width: 16}
	CsChMap1    = Field{Name: "CS_LLCHMAP1", Space: EM, Addr: 0x18, Shift: 0, Width: 16}
	CsChMap2    = Field{Name: "CS_LLCHMAP2", Space: EM, Addr: 0x1A, Shift: 0, Width: 5}
	CsHopInt    = Field{Name: "CS_HOP_INT", Space: EM, Addr: 0x1C, Shift: 0, Width: 5}
	CsEvtCnt    = Field{Name: "CS_EVTCNT", Space: EM, Addr: 0x1E, Shift: 0, Width: 16}
	CsRxCnt     = Field{Name: "CS_RXCNT", Space: EM, Addr: 0x20, Shift: 0, Width: 8}
	CsSyncErr   = Field{Name: "CS_SYNC_ERR", Space: EM, Addr: 0x22, Shift: 0, Width: 1}
	CsCrcErr    = Field{Name: "CS_CRC_ERR", Space: EM, Addr: 0x22, Shift: 1, Width: 1}
	CsTxCnt     = Field{Name: "CS_TXCNT", Space: EM, Addr: 0x22, Shift: 8, Width: 8}
	CsRxTimeLo  = Field{Name: "CS_RXTIME0", Space: EM, Addr: 0x24, Shift: 0, Width: 16}
	CsRxTimeHi  = Field{Name: "CS_RXTIME1", Space: EM, Addr: 0x26, Shift: 0, Width: 11}
	CsRxFine    = Field{Name: "CS_RXFINE", Space: EM, Addr: 0x28, Shift: 0, Width: 10}

	CsSKBase uint16 = 0x2A // 8 words, session key LSB first
	CsIVBase uint16 = 0x3A // 4 words
)

// TX descriptor fields, relative to the descriptor address.
var (
	TxNext    = Field{Name: "TXNEXTPTR", Space: EM, Addr: 0x00, Shift: 0, Width: 16}
	TxType    = Field{Name: "TXTYPE", Space: EM, Addr: 0x02, Shift: 0, Width: 4}
	TxTxAdd   = Field{Name: "TXTXADD", Space: EM, Addr: 0x02, Shift: 6, Width: 1}
	TxRxAdd   = Field{Name: "TXRXADD", Space: EM, Addr: 0x02, Shift: 7, Width: 1}
	TxDone    = Field{Name: "TXDONE", Space: EM, Addr: 0x02, Shift: 15, Width: 1}
	TxLen     = Field{Name: "TXLEN", Space: EM, Addr: 0x04, Shift: 0, Width: 8}
	TxDataPtr = Field{Name: "TXDATAPTR", Space: EM, Addr: 0x06, Shift: 0, Width: 16}
)

// RX descriptor fields, relative to the descriptor address.
var (
	RxNext    = Field{Name: "RXNEXTPTR", Space: EM, Addr: 0x00, Shift: 0, Width: 16}
	RxSyncErr = Field{Name: "RXSYNCERR", Space: EM, Addr: 0x02, Shift: 0, Width: 1}
	RxCrcErr  = Field{Name: "RXCRCERR", Space: EM, Addr: 0x02, Shift: 1, Width: 1}
	RxLenErr  = Field{Name: "RXLENERR", Space: EM, Addr: 0x02, Shift: 2, Width: 1}
	RxMicErr  = Field{Name: "RXMICERR", Space: EM, Addr: 0x02, Shift: 3, Width: 1}
	RxDone    = Field{Name: "RXDONE", Space: EM, Addr: 0x02, Shift: 15, Width: 1}
	RxType    = Field{Name: "RXTYPE", Space: EM, Addr: 0x04, Shift: 0, Width: 4}
	RxTxAdd   = Field{Name: "RXTXADD", Space: EM, Addr: 0x04, Shift: 6, Width: 1}
	RxRxAdd   = Field{Name: "RXRXADD", Space: EM, Addr: 0x04, Shift: 7, Width: 1}
	RxLen     = Field{Name: "RXLEN", Space: EM, Addr: 0x04, Shift: 8, Width: 8}
	RxRssi    = Field{Name: "RXRSSI", Space: EM, Addr: 0x06, Shift: 0, Width: 8}
	RxChan    = Field{Name: "RXCHANNEL", Space: EM, Addr: 0x06, Shift: 8, Width: 6}
	RxTimeLo  = Field{Name: "RXTIME0", Space: EM, Addr: 0x08, Shift: 0, Width: 16}
	RxTimeHi  = Field{Name: "RXTIME1", Space: EM, Addr: 0x0A, Shift: 0, Width: 11}
	RxFine    = Field{Name: "RXFINE", Space: EM, Addr: 0x0C, Shift: 0, Width: 10}
	RxDataPtr = Field{Name: "RXDATAPTR", Space: EM, Addr: 0x0E, Shift: 0, Width: 16}
)

// CoreFields lists every core register field, used by Mem.Reset.
var CoreFields = []Field{
	RxWinSzDef, RwbleEn, ScanAbort, AdvertAbort, RftestAbort, LinkAbort, SwintReq,
	RegSoftRst, MasterTgSoftRst, MasterSoftRst, IntCntl, IntStat, IntAck,
	BaseTimeCnt, FineCnt, GrossTarget, GrossArmed, FineTarget, EtCsPtr, EtProg,
	ErrorStat,
}

// TxDescAddr returns the exchange memory address of TX descriptor i.
func TxDescAddr(i int) uint16 { return TxDescBase + uint16(i)*TxDescSize }

// RxDescAddr returns the exchange memory address of RX descriptor i.
func RxDescAddr(i int) uint16 { return RxDescBase + uint16(i)*RxDescSize }

// TxDataAddr returns the exchange memory address of TX buffer i.
func TxDataAddr(i int) uint16 { return TxDataBase + uint16(i)*DataBufSize }

// RxDataAddr returns the exchange memory address of RX buffer i.
func RxDataAddr(i int) uint16 { return RxDataBase + uint16(i)*DataBufSize }

// SplitTime writes a 27-bit slot time into a low/high field pair.
func SplitTime(b *Batch, lo, hi Field, t uint32) {
	b.Set(lo, t&0xFFFF)
	b.Set(hi, (t>>16)&0x7FF)
}

// JoinTime reads a 27-bit slot time from a low/high field pair.
func JoinTime(b *Batch, lo, hi Field) uint32 {
	return b.Get(lo) | b.Get(hi)<<16
}

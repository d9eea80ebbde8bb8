package exch

import (
	"github.com/rigado/ll/regio"
)

// Accessors for the hardware side of the exchange memory, used by the
// baseband model.

// WriteRx fills RX descriptor i as hardware does on reception and sets RXDONE.
func WriteRx(io regio.RegisterIO, i int, d RxDesc) error {
	a := regio.RxDescAddr(i)
	b := regio.NewBatch(io)

	n := len(d.Payload)
	if n > int(regio.DataBufSize) {
		n = int(regio.DataBufSize)
	}
	ptr := uint16(b.Get(regio.RxDataPtr.At(a)))
	b.Write(ptr, d.Payload[:n])

	b.Set(regio.RxSyncErr.At(a), regio.Bool(d.SyncErr))
	b.Set(regio.RxCrcErr.At(a), regio.Bool(d.CrcErr))
	b.Set(regio.RxLenErr.At(a), regio.Bool(d.LenErr))
	b.Set(regio.RxMicErr.At(a), regio.Bool(d.MicErr))
	b.Set(regio.RxType.At(a), uint32(d.Type&0x0F))
	b.Set(regio.RxTxAdd.At(a), regio.Bool(d.TxAdd))
	b.Set(regio.RxRxAdd.At(a), regio.Bool(d.RxAdd))
	b.Set(regio.RxLen.At(a), uint32(n))
	b.Set(regio.RxRssi.At(a), uint32(uint8(d.RSSI)))
	b.Set(regio.RxChan.At(a), uint32(d.Channel&0x3F))
	regio.SplitTime(b, regio.RxTimeLo.At(a), regio.RxTimeHi.At(a), d.Time&0x7FFFFFF)
	b.Set(regio.RxFine.At(a), uint32(d.Fine&0x3FF))
	b.Set(regio.RxDone.At(a), 1)
	return b.Err()
}

// ReadTx decodes the TX descriptor at exchange memory address addr and returns
// the buffer and the address of the next descriptor (0 at the end of a chain).
func ReadTx(io regio.RegisterIO, addr uint16) (Buffer, uint16, error) {
	b := regio.NewBatch(io)
	buf := Buffer{
		Type:  uint8(b.Get(regio.TxType.At(addr))),
		TxAdd: b.Flag(regio.TxTxAdd.At(addr)),
		RxAdd: b.Flag(regio.TxRxAdd.At(addr)),
	}
	n := int(b.Get(regio.TxLen.At(addr)))
	ptr := uint16(b.Get(regio.TxDataPtr.At(addr)))
	buf.Payload = b.Read(ptr, n)
	next := uint16(b.Get(regio.TxNext.At(addr)))
	return buf, next, b.Err()
}

// AckTx sets TXDONE on the descriptor at addr.
func AckTx(io regio.RegisterIO, addr uint16) error {
	return io.WriteField(regio.TxDone.At(addr), 1)
}

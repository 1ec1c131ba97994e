package mempool

import "testing"

func TestParseTxRejectsEmptyBlob(t *testing.T) {
	m := NewMemory(0)
	if _, err := m.ParseTx(nil); err != ErrTxInvalid {
		t.Fatalf("expected ErrTxInvalid, got %v", err)
	}
}

func TestParseTxIsDeterministicByHash(t *testing.T) {
	m := NewMemory(0)
	tx1, err := m.ParseTx([]byte("hello"))
	if err != nil {
		t.Fatalf("ParseTx: %v", err)
	}
	tx2, err := m.ParseTx([]byte("hello"))
	if err != nil {
		t.Fatalf("ParseTx: %v", err)
	}
	if tx1.Hash != tx2.Hash {
		t.Fatal("identical blobs must parse to the same hash")
	}
}

func TestParseTxHonorsRejectList(t *testing.T) {
	m := NewMemory(0)
	tx, err := m.ParseTx([]byte("poison"))
	if err != nil {
		t.Fatalf("ParseTx: %v", err)
	}
	m.Reject[tx.Hash] = true
	if _, err := m.ParseTx([]byte("poison")); err != ErrTxInvalid {
		t.Fatalf("expected ErrTxInvalid for a rejected hash, got %v", err)
	}
}

func TestAddNewBlinkAcceptsAndRejects(t *testing.T) {
	m := NewMemory(0)
	tx, err := m.ParseTx([]byte("accepted-one"))
	if err != nil {
		t.Fatalf("ParseTx: %v", err)
	}
	result, err := m.AddNewBlink(tx)
	if err != nil || result != AddAccepted {
		t.Fatalf("expected AddAccepted, got result=%v err=%v", result, err)
	}

	rejTx, err := m.ParseTx([]byte("rejected-one"))
	if err != nil {
		t.Fatalf("ParseTx: %v", err)
	}
	m.Reject[rejTx.Hash] = true
	result, err = m.AddNewBlink(rejTx)
	if err != nil || result != AddRejected {
		t.Fatalf("expected AddRejected, got result=%v err=%v", result, err)
	}
}

func TestRegisterBlinkMarksRegistered(t *testing.T) {
	m := NewMemory(0)
	tx, err := m.ParseTx([]byte("to-register"))
	if err != nil {
		t.Fatalf("ParseTx: %v", err)
	}
	if m.IsRegisteredBlink(tx.Hash) {
		t.Fatal("must not be registered before RegisterBlink")
	}
	if err := m.RegisterBlink(tx.Hash); err != nil {
		t.Fatalf("RegisterBlink: %v", err)
	}
	if !m.IsRegisteredBlink(tx.Hash) {
		t.Fatal("expected the tx to be registered")
	}
}

func TestSetTipUpdatesTipHeight(t *testing.T) {
	m := NewMemory(10)
	if m.TipHeight() != 10 {
		t.Fatalf("expected initial tip 10, got %d", m.TipHeight())
	}
	m.SetTip(20)
	if m.TipHeight() != 20 {
		t.Fatalf("expected tip 20 after SetTip, got %d", m.TipHeight())
	}
}

func TestBlockTemplateReturnsRequestedHeight(t *testing.T) {
	m := NewMemory(0)
	bt, err := m.BlockTemplate(42)
	if err != nil {
		t.Fatalf("BlockTemplate: %v", err)
	}
	if bt.Height != 42 {
		t.Fatalf("expected height 42, got %d", bt.Height)
	}
}

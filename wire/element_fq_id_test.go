package wire

import "testing"

func TestElementFqIdEquality(t *testing.T) {
	a := ElementFqId{ServiceID: 1, ElementID: 2, InstanceID: 3, ElementType: ElementTypeEvent}
	b := ElementFqId{ServiceID: 1, ElementID: 2, InstanceID: 3, ElementType: ElementTypeField}

	if !Equal(a, b) {
		t.Error("Equal should ignore ElementType")
	}
	if a == b {
		t.Error("raw == should distinguish ElementType")
	}
}

func TestElementFqIdOrdering(t *testing.T) {
	a := ElementFqId{ServiceID: 1, InstanceID: 1, ElementID: 1}
	b := ElementFqId{ServiceID: 1, InstanceID: 1, ElementID: 2}
	c := ElementFqId{ServiceID: 2, InstanceID: 0, ElementID: 0}

	if !Less(a, b) {
		t.Error("expected a < b on ElementID")
	}
	if !Less(b, c) {
		t.Error("expected b < c on ServiceID")
	}
	if Less(b, a) {
		t.Error("expected b not < a")
	}
}

func TestElementFqIdPredicates(t *testing.T) {
	ev := ElementFqId{ElementType: ElementTypeEvent}
	fd := ElementFqId{ElementType: ElementTypeField}
	mt := ElementFqId{ElementType: ElementTypeMethod}

	if !IsEvent(ev) || IsField(ev) || IsMethod(ev) {
		t.Error("event predicate mismatch")
	}
	if !IsField(fd) || IsEvent(fd) {
		t.Error("field predicate mismatch")
	}
	if !IsMethod(mt) || IsEvent(mt) || IsField(mt) {
		t.Error("method predicate mismatch")
	}
}

func TestElementFqIdString(t *testing.T) {
	id := ElementFqId{ServiceID: 10, InstanceID: 20, ElementID: 30}
	want := "10_20_30"
	if got := id.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestInvalidElementFqId(t *testing.T) {
	if IsEvent(InvalidElementFqId) || IsField(InvalidElementFqId) || IsMethod(InvalidElementFqId) {
		t.Error("invalid sentinel must not satisfy any element-type predicate")
	}
}

func TestElementFqIdHashIgnoresKind(t *testing.T) {
	a := ElementFqId{ServiceID: 0x1234, ElementID: 5, InstanceID: 3, ElementType: ElementTypeEvent}
	b := ElementFqId{ServiceID: 0x1234, ElementID: 5, InstanceID: 3, ElementType: ElementTypeField}

	if Hash(a) != Hash(b) {
		t.Error("Hash must ignore ElementType")
	}
	if !Equal(a, b) || Less(a, b) || Less(b, a) {
		t.Error("equality and ordering must agree with the hash")
	}
}

func TestElementFqIdHashDistinctTriples(t *testing.T) {
	seen := map[uint64]ElementFqId{}
	for s := uint16(0); s < 8; s++ {
		for e := uint16(0); e < 8; e++ {
			for i := uint16(0); i < 8; i++ {
				id := ElementFqId{ServiceID: s, ElementID: e, InstanceID: i, ElementType: ElementTypeEvent}
				h := Hash(id)
				if prev, dup := seen[h]; dup {
					t.Fatalf("hash collision between %v and %v", prev, id)
				}
				seen[h] = id
			}
		}
	}
}

package intent

import (
	"fmt"
	"reflect"
	"strings"
	"testing"
)

func TestKeywordsStripsStopWordsAndPunctuation(t *testing.T) {
	got := Keywords("Can you send me the invoice for the Johnson account ASAP?")
	want := []string{"send", "invoice", "johnson", "account", "asap"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Keywords() = %v, want %v", got, want)
	}
}

func TestKeywordsDeduplicatesInOrder(t *testing.T) {
	got := Keywords("deploy the deploy script before the deploy window")
	want := []string{"deploy", "script", "window"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Keywords() = %v, want %v", got, want)
	}
}

func TestKeywordsCap(t *testing.T) {
	words := make([]string, 0, 30)
	for i := 0; i < 30; i++ {
		words = append(words, fmt.Sprintf("token%d", i))
	}
	got := Keywords(strings.Join(words, " "))
	if len(got) != maxKeywords {
		t.Fatalf("len(Keywords()) = %d, want %d", len(got), maxKeywords)
	}
}

func TestKeywordsEmptyAfterFiltering(t *testing.T) {
	if got := Keywords("is it on??"); len(got) != 0 {
		t.Fatalf("Keywords() = %v, want empty", got)
	}
}

package sql

import "testing"

func tokenize(input string) []TokenType {
	l := NewLexer(input)
	var types []TokenType
	for {
		tok := l.NextToken()
		types = append(types, tok.Type)
		if tok.Type == TokenEOF {
			break
		}
	}
	return types
}

func assertTokens(t *testing.T, input string, expected []TokenType) {
	t.Helper()
	got := tokenize(input)
	if len(got) != len(expected) {
		t.Fatalf("%q: expected %d tokens, got %d (%v)", input, len(expected), len(got), got)
	}
	for i, tt := range expected {
		if got[i] != tt {
			t.Errorf("%q: token[%d]: expected type %d, got %d", input, i, tt, got[i])
		}
	}
}

func TestLexerSelect(t *testing.T) {
	assertTokens(t, `SELECT * FROM jobs WHERE retry > 3`, []TokenType{
		TokenSelect, TokenStar, TokenFrom, TokenIdent, TokenWhere,
		TokenIdent, TokenGT, TokenInteger, TokenEOF,
	})
}

func TestLexerInsertWithParam(t *testing.T) {
	assertTokens(t, `INSERT INTO jobs VALUES (?, 'oracle', 5)`, []TokenType{
		TokenInsert, TokenInto, TokenIdent, TokenValues, TokenLParen,
		TokenParam, TokenComma, TokenString, TokenComma, TokenInteger,
		TokenRParen, TokenEOF,
	})
}

func TestLexerOperators(t *testing.T) {
	assertTokens(t, `<= <> != >= <`, []TokenType{
		TokenLTE, TokenNEQ, TokenNEQ, TokenGTE, TokenLT, TokenEOF,
	})
}

func TestLexerSkipsLineComment(t *testing.T) {
	assertTokens(t, "SELECT 1 -- trailing comment\n", []TokenType{
		TokenSelect, TokenInteger, TokenEOF,
	})
}

func TestLexerFloat(t *testing.T) {
	toks := tokenize("3.14")
	if toks[0] != TokenFloat {
		t.Fatalf("expected TokenFloat, got %d", toks[0])
	}
}

func TestLexerKeywordsCaseInsensitive(t *testing.T) {
	assertTokens(t, `select * from t`, []TokenType{
		TokenSelect, TokenStar, TokenFrom, TokenIdent, TokenEOF,
	})
}

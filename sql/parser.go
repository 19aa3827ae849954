package sql

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/corvusdb/corvus/corvuserr"
	"github.com/corvusdb/corvus/storage"
)

// Parser turns a token stream into a Statement.
type Parser struct {
	lexer      *Lexer
	current    Token
	peek       Token
	paramIndex int
}

// NewParser creates a parser over input.
func NewParser(input string) *Parser {
	p := &Parser{lexer: NewLexer(input)}
	p.current = p.lexer.NextToken()
	p.peek = p.lexer.NextToken()
	return p
}

func (p *Parser) advance() {
	p.current = p.peek
	p.peek = p.lexer.NextToken()
}

func (p *Parser) expect(t TokenType) (Token, error) {
	if p.current.Type != t {
		return Token{}, corvuserr.New(corvuserr.SQL, "unexpected token %q at pos %d", p.current.Literal, p.current.Pos)
	}
	tok := p.current
	p.advance()
	return tok, nil
}

func (p *Parser) expectIdent() (string, error) {
	if p.current.Type != TokenIdent {
		return "", corvuserr.New(corvuserr.SQL, "expected identifier, got %q at pos %d", p.current.Literal, p.current.Pos)
	}
	lit := p.current.Literal
	p.advance()
	return lit, nil
}

// Parse parses exactly one statement, ignoring a trailing ";".
func Parse(input string) (Statement, error) {
	p := NewParser(input)
	return p.parseStatement()
}

func (p *Parser) parseStatement() (Statement, error) {
	switch p.current.Type {
	case TokenCreate:
		return p.parseCreate()
	case TokenInsert:
		return p.parseInsert()
	case TokenSelect:
		return p.parseSelect()
	case TokenUpdate:
		return p.parseUpdate()
	case TokenDelete:
		return p.parseDelete()
	case TokenBegin:
		p.advance()
		return &BeginStmt{}, nil
	case TokenCommit:
		p.advance()
		return &CommitStmt{}, nil
	case TokenRollback:
		p.advance()
		return &RollbackStmt{}, nil
	case TokenVacuum:
		return p.parseVacuum()
	default:
		return nil, corvuserr.New(corvuserr.SQL, "unexpected token %q at pos %d", p.current.Literal, p.current.Pos)
	}
}

func (p *Parser) parseCreate() (Statement, error) {
	p.advance() // CREATE
	switch p.current.Type {
	case TokenTable:
		return p.parseCreateTable()
	case TokenUnique:
		p.advance()
		if _, err := p.expect(TokenIndex); err != nil {
			return nil, err
		}
		return p.parseCreateIndex(true)
	case TokenIndex:
		return p.parseCreateIndex(false)
	case TokenView:
		return p.parseCreateView()
	default:
		return nil, corvuserr.New(corvuserr.SQL, "expected TABLE, INDEX, or VIEW after CREATE at pos %d", p.current.Pos)
	}
}

func (p *Parser) parseCreateTable() (Statement, error) {
	p.advance() // TABLE
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokenLParen); err != nil {
		return nil, err
	}

	stmt := &CreateTableStmt{Table: name}
	for {
		col, err := p.parseColumnDef()
		if err != nil {
			return nil, err
		}
		stmt.Columns = append(stmt.Columns, col)
		if p.current.Type == TokenComma {
			p.advance()
			continue
		}
		break
	}
	if _, err := p.expect(TokenRParen); err != nil {
		return nil, err
	}
	return stmt, nil
}

func (p *Parser) parseColumnDef() (ColumnDef, error) {
	name, err := p.expectIdent()
	if err != nil {
		return ColumnDef{}, err
	}
	typeTok := p.current
	if typeTok.Type != TokenIdent {
		return ColumnDef{}, corvuserr.New(corvuserr.SQL, "expected a type name for column %q at pos %d", name, p.current.Pos)
	}
	typeName := typeTok.Literal
	p.advance()
	// allow a length annotation, e.g. VARCHAR(255); parsed and discarded.
	if p.current.Type == TokenLParen {
		p.advance()
		for p.current.Type != TokenRParen && p.current.Type != TokenEOF {
			p.advance()
		}
		if _, err := p.expect(TokenRParen); err != nil {
			return ColumnDef{}, err
		}
	}

	col := ColumnDef{Name: name, TypeName: typeName}
	for {
		switch p.current.Type {
		case TokenPrimary:
			p.advance()
			if _, err := p.expect(TokenKey); err != nil {
				return ColumnDef{}, err
			}
			col.PrimaryKey = true
			col.NotNull = true
			continue
		case TokenNot:
			p.advance()
			if _, err := p.expect(TokenNull); err != nil {
				return ColumnDef{}, err
			}
			col.NotNull = true
			continue
		case TokenUnique:
			p.advance()
			col.Unique = true
			continue
		case TokenReferences:
			p.advance()
			refTable, err := p.expectIdent()
			if err != nil {
				return ColumnDef{}, err
			}
			col.RefTable = refTable
			if p.current.Type == TokenLParen {
				p.advance()
				refCol, err := p.expectIdent()
				if err != nil {
					return ColumnDef{}, err
				}
				col.RefColumn = refCol
				if _, err := p.expect(TokenRParen); err != nil {
					return ColumnDef{}, err
				}
			}
			continue
		}
		break
	}
	return col, nil
}

func (p *Parser) parseCreateIndex(unique bool) (Statement, error) {
	p.advance() // INDEX
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokenOn); err != nil {
		return nil, err
	}
	table, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokenLParen); err != nil {
		return nil, err
	}
	var cols []string
	for {
		c, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		cols = append(cols, c)
		if p.current.Type == TokenComma {
			p.advance()
			continue
		}
		break
	}
	if _, err := p.expect(TokenRParen); err != nil {
		return nil, err
	}

	trigram := false
	if p.current.Type == TokenUsing {
		p.advance()
		if _, err := p.expect(TokenTrigram); err != nil {
			return nil, err
		}
		trigram = true
	}
	return &CreateIndexStmt{Name: name, Table: table, Columns: cols, Trigram: trigram, Unique: unique}, nil
}

func (p *Parser) parseCreateView() (Statement, error) {
	p.advance() // VIEW
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokenAs); err != nil {
		return nil, err
	}
	sqlText := strings.TrimSpace(p.lexer.input[p.current.Pos:])
	for p.current.Type != TokenEOF {
		p.advance()
	}
	return &CreateViewStmt{Name: name, SQLText: sqlText}, nil
}

func (p *Parser) parseInsert() (Statement, error) {
	p.advance() // INSERT
	if _, err := p.expect(TokenInto); err != nil {
		return nil, err
	}
	table, err := p.expectIdent()
	if err != nil {
		return nil, err
	}

	var cols []string
	if p.current.Type == TokenLParen {
		p.advance()
		for {
			c, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			cols = append(cols, c)
			if p.current.Type == TokenComma {
				p.advance()
				continue
			}
			break
		}
		if _, err := p.expect(TokenRParen); err != nil {
			return nil, err
		}
	}

	if _, err := p.expect(TokenValues); err != nil {
		return nil, err
	}

	stmt := &InsertStmt{Table: table, Columns: cols}
	for {
		if _, err := p.expect(TokenLParen); err != nil {
			return nil, err
		}
		var row []ValueExpr
		for {
			v, err := p.parseValueExpr()
			if err != nil {
				return nil, err
			}
			row = append(row, v)
			if p.current.Type == TokenComma {
				p.advance()
				continue
			}
			break
		}
		if _, err := p.expect(TokenRParen); err != nil {
			return nil, err
		}
		stmt.Rows = append(stmt.Rows, row)
		if p.current.Type == TokenComma {
			p.advance()
			continue
		}
		break
	}
	return stmt, nil
}

func (p *Parser) parseValueExpr() (ValueExpr, error) {
	switch p.current.Type {
	case TokenParam:
		idx := p.paramIndex
		p.paramIndex++
		p.advance()
		return ValueExpr{IsParam: true, ParamIndex: idx}, nil
	case TokenNull:
		p.advance()
		return ValueExpr{Value: storage.NullValue()}, nil
	case TokenTrue:
		p.advance()
		return ValueExpr{Value: storage.BoolValue(true)}, nil
	case TokenFalse:
		p.advance()
		return ValueExpr{Value: storage.BoolValue(false)}, nil
	case TokenString:
		lit := p.current.Literal
		p.advance()
		return ValueExpr{Value: storage.TextValue([]byte(lit))}, nil
	case TokenInteger:
		lit := p.current.Literal
		p.advance()
		n, err := strconv.ParseInt(lit, 10, 64)
		if err != nil {
			return ValueExpr{}, corvuserr.New(corvuserr.SQL, "bad integer literal %q", lit)
		}
		return ValueExpr{Value: storage.Int64Value(n)}, nil
	case TokenFloat:
		lit := p.current.Literal
		p.advance()
		f, err := strconv.ParseFloat(lit, 64)
		if err != nil {
			return ValueExpr{}, corvuserr.New(corvuserr.SQL, "bad float literal %q", lit)
		}
		return ValueExpr{Value: storage.Float64Value(f)}, nil
	case TokenMinus:
		p.advance()
		v, err := p.parseValueExpr()
		if err != nil {
			return ValueExpr{}, err
		}
		switch v.Value.Kind {
		case storage.KindInt64:
			v.Value = storage.Int64Value(-v.Value.Int64)
		case storage.KindFloat64:
			v.Value = storage.Float64Value(-v.Value.Float64)
		default:
			return ValueExpr{}, corvuserr.New(corvuserr.SQL, "unary minus on non-numeric literal")
		}
		return v, nil
	default:
		return ValueExpr{}, corvuserr.New(corvuserr.SQL, "expected a value at pos %d, got %q", p.current.Pos, p.current.Literal)
	}
}

func (p *Parser) parseSelect() (Statement, error) {
	p.advance() // SELECT
	stmt := &SelectStmt{}
	if p.current.Type == TokenStar {
		p.advance()
	} else {
		for {
			c, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			stmt.Columns = append(stmt.Columns, c)
			if p.current.Type == TokenComma {
				p.advance()
				continue
			}
			break
		}
	}
	if _, err := p.expect(TokenFrom); err != nil {
		return nil, err
	}
	table, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	stmt.Table = table

	if p.current.Type == TokenWhere {
		p.advance()
		conds, err := p.parseConditions()
		if err != nil {
			return nil, err
		}
		stmt.Where = conds
	}

	if p.current.Type == TokenOrderBy {
		p.advance() // ORDER
		if err := p.expectWord("by"); err != nil {
			return nil, err
		}
		for {
			c, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			term := OrderTerm{Column: c}
			if p.current.Type == TokenDesc {
				term.Desc = true
				p.advance()
			} else if p.current.Type == TokenAsc {
				p.advance()
			}
			stmt.OrderBy = append(stmt.OrderBy, term)
			if p.current.Type == TokenComma {
				p.advance()
				continue
			}
			break
		}
	}

	if p.current.Type == TokenLimit {
		p.advance()
		tok, err := p.expect(TokenInteger)
		if err != nil {
			return nil, err
		}
		n, err := strconv.Atoi(tok.Literal)
		if err != nil {
			return nil, corvuserr.New(corvuserr.SQL, "bad LIMIT value %q", tok.Literal)
		}
		stmt.Limit = n
		stmt.HasLimit = true
	}
	return stmt, nil
}

// expectWord consumes an identifier-like token matching word
// case-insensitively. "ORDER" is its own keyword token in this
// grammar, so "BY" is the only contextual word left to check.
func (p *Parser) expectWord(word string) error {
	if strings.EqualFold(p.current.Literal, word) {
		p.advance()
		return nil
	}
	return corvuserr.New(corvuserr.SQL, "expected %q at pos %d, got %q", word, p.current.Pos, p.current.Literal)
}

func (p *Parser) parseConditions() ([]Condition, error) {
	var conds []Condition
	for {
		c, err := p.parseCondition()
		if err != nil {
			return nil, err
		}
		conds = append(conds, c)
		if p.current.Type == TokenAnd {
			p.advance()
			continue
		}
		break
	}
	return conds, nil
}

func (p *Parser) parseCondition() (Condition, error) {
	col, err := p.expectIdent()
	if err != nil {
		return Condition{}, err
	}
	op := p.current.Type
	switch op {
	case TokenEQ, TokenNEQ, TokenLT, TokenGT, TokenLTE, TokenGTE, TokenLike:
		p.advance()
	default:
		return Condition{}, corvuserr.New(corvuserr.SQL, "expected a comparison operator at pos %d", p.current.Pos)
	}
	v, err := p.parseValueExpr()
	if err != nil {
		return Condition{}, err
	}
	return Condition{Column: col, Op: op, Value: v}, nil
}

func (p *Parser) parseUpdate() (Statement, error) {
	p.advance() // UPDATE
	table, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokenSet); err != nil {
		return nil, err
	}
	stmt := &UpdateStmt{Table: table}
	for {
		col, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokenEQ); err != nil {
			return nil, err
		}
		v, err := p.parseValueExpr()
		if err != nil {
			return nil, err
		}
		stmt.Set = append(stmt.Set, Assignment{Column: col, Value: v})
		if p.current.Type == TokenComma {
			p.advance()
			continue
		}
		break
	}
	if p.current.Type == TokenWhere {
		p.advance()
		conds, err := p.parseConditions()
		if err != nil {
			return nil, err
		}
		stmt.Where = conds
	}
	return stmt, nil
}

func (p *Parser) parseDelete() (Statement, error) {
	p.advance() // DELETE
	if _, err := p.expect(TokenFrom); err != nil {
		return nil, err
	}
	table, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	stmt := &DeleteStmt{Table: table}
	if p.current.Type == TokenWhere {
		p.advance()
		conds, err := p.parseConditions()
		if err != nil {
			return nil, err
		}
		stmt.Where = conds
	}
	return stmt, nil
}

func (p *Parser) parseVacuum() (Statement, error) {
	p.advance() // VACUUM
	if _, err := p.expect(TokenInto); err != nil {
		return nil, err
	}
	tok, err := p.expect(TokenString)
	if err != nil {
		return nil, fmt.Errorf("vacuum: %w", err)
	}
	return &VacuumStmt{DestPath: tok.Literal}, nil
}

// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package expr

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

func NewParser() *Parser {
	return &Parser{}
}

type Parser struct {
	input string
	pos   int
	// nextPos is start of the next char.
	nextPos int
	// char is the rune starting at pos. char is set to 0 when pos reaches the
	// end of input.
	char rune
	// prevExprEnd is the value of pos when we last finished parsing an
	// expression.
	prevExprEnd int
	// currentExprStart is the value of pos just before we started parsing the
	// expression under pos. We maintain currentExprStart >= prevExprEnd.
	currentExprStart int
	// exprs are the output of the parser. Expressions are added as they are
	// parsed.
	exprs []expression
	// lineNum is the number of the current line of the input.
	lineNum int
	// lineStart is the position of the first char of the current line in the
	// input.
	lineStart int
}

// Parse takes a statement template and returns a ParsedExpr containing its
// literal chunks and its parameter and temporary table holes.
func (p *Parser) Parse(input string) (pe *ParsedExpr, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("cannot parse expression: %s", err)
		}
	}()

	p.init(input)

	for {
		if err := p.advanceToNextHole(); err != nil {
			return nil, err
		}

		p.currentExprStart = p.pos

		if p.pos == len(p.input) {
			break
		}

		if param, ok, err := p.parseParamExpr(); err != nil {
			return nil, err
		} else if ok {
			p.add(param)
			continue
		}

		if table, ok, err := p.parseTableExpr(); err != nil {
			return nil, err
		} else if ok {
			p.add(table)
			continue
		}

		// No hole found, advance the parser. This prevents
		// advanceToNextHole finding the same char again.
		p.advanceChar()
	}

	// Add any remaining unparsed string input to the parser.
	p.add(nil)
	return &ParsedExpr{exprs: p.exprs}, nil
}

// init resets the state of the parser and sets the input string.
func (p *Parser) init(input string) {
	p.input = input
	p.pos = 0
	p.nextPos = 0
	p.char = 0
	p.prevExprEnd = 0
	p.currentExprStart = 0
	p.exprs = []expression{}
	p.lineNum = 1
	p.lineStart = 0
	p.advanceChar()
}

// colNum calculates the current column number taking into account line breaks.
func (p *Parser) colNum() int {
	return p.pos - p.lineStart + 1
}

// advanceChar moves the parser to the next character in the input. It also
// takes care of updating the line and column numbers if it encounters line
// breaks.
func (p *Parser) advanceChar() bool {
	if p.nextPos >= len(p.input) {
		p.char = 0
		p.pos = p.nextPos
		return false
	}
	if p.char == '\n' {
		p.lineStart = p.nextPos
		p.lineNum++
	}
	var size int
	p.char, size = utf8.DecodeRuneInString(p.input[p.nextPos:])
	p.pos = p.nextPos
	p.nextPos += size
	return true
}

// errorAt wraps an error with line and column information.
func errorAt(err error, line int, column int, input string) error {
	if strings.ContainsRune(input, '\n') {
		return fmt.Errorf("line %d, column %d: %w", line, column, err)
	} else {
		return fmt.Errorf("column %d: %w", column, err)
	}
}

// A checkpoint struct for saving parser state to restore later. We only use a
// checkpoint within an attempted parsing of an expression, not at a higher
// level since we don't keep track of the expressions in the checkpoint.
type checkpoint struct {
	parser           *Parser
	pos              int
	nextPos          int
	char             rune
	prevExprEnd      int
	currentExprStart int
	exprs            []expression
	lineNum          int
	lineStart        int
}

// save takes a snapshot of the state of the parser and returns a pointer to a
// checkpoint that represents it.
func (p *Parser) save() *checkpoint {
	return &checkpoint{
		parser:           p,
		pos:              p.pos,
		nextPos:          p.nextPos,
		char:             p.char,
		prevExprEnd:      p.prevExprEnd,
		currentExprStart: p.currentExprStart,
		exprs:            p.exprs,
		lineNum:          p.lineNum,
		lineStart:        p.lineStart,
	}
}

// restore sets the internal state of the parser to the values stored in the
// checkpoint.
func (cp *checkpoint) restore() {
	cp.parser.pos = cp.pos
	cp.parser.nextPos = cp.nextPos
	cp.parser.char = cp.char
	cp.parser.prevExprEnd = cp.prevExprEnd
	cp.parser.currentExprStart = cp.currentExprStart
	cp.parser.exprs = cp.exprs
	cp.parser.lineNum = cp.lineNum
	cp.parser.lineStart = cp.lineStart
}

// colNum calculates the current column number taking into account line breaks.
func (cp *checkpoint) colNum() int {
	return cp.pos - cp.lineStart + 1
}

// add pushes the parsed expression to the list of expressions along with the
// bypass chunk that stretches from the end of the previous expression to the
// beginning of this expression.
func (p *Parser) add(expr expression) {
	// Add the string between the previous hole and the current one.
	if p.prevExprEnd != p.currentExprStart {
		p.exprs = append(p.exprs,
			&bypass{p.input[p.prevExprEnd:p.currentExprStart]})
	}

	if expr != nil {
		p.exprs = append(p.exprs, expr)
	}

	// Save this position at the end of the expression.
	p.prevExprEnd = p.pos
	// Ensure that currentExprStart >= prevExprEnd.
	p.currentExprStart = p.pos
}

// skipComment jumps over comments as defined by the SQLite spec. If no comment
// is found the parser state is left unchanged.
func (p *Parser) skipComment() bool {
	cp := p.save()
	c := p.char
	if p.skipChar('-') || p.skipChar('/') {
		if (c == '-' && p.skipChar('-')) || (c == '/' && p.skipChar('*')) {
			var end rune
			if c == '-' {
				end = '\n'
			} else {
				end = '*'
			}
			for p.pos < len(p.input) {
				if p.char == end {
					// if end == '\n' (i.e. its a -- comment) dont consume the newline.
					if end == '*' {
						p.advanceChar()
						if !p.skipChar('/') {
							continue
						}
					}
					return true
				}
				p.advanceChar()
			}
			// Reached end of input (valid comment end).
			return true
		}
		cp.restore()
		return false
	}
	return false
}

// advanceToNextHole advances the parser until it finds a character that could
// be the start of a parameter or temporary table hole, skipping string
// literals and comments.
func (p *Parser) advanceToNextHole() error {
	for p.pos < len(p.input) {
		if ok, err := p.skipStringLiteral(); err != nil {
			return err
		} else if ok {
			continue
		}
		if ok := p.skipComment(); ok {
			continue
		}

		if p.char == '$' || p.char == '#' {
			return nil
		}
		p.advanceChar()
	}
	return nil
}

// skipStringLiteral jumps over single and double quoted sections of input.
// Doubled up quotes are escaped.
func (p *Parser) skipStringLiteral() (bool, error) {
	cp := p.save()

	c := p.char
	if p.skipChar('"') || p.skipChar('\'') {

		// We keep track of whether the next quote has been previously
		// escaped. If not, it might be a closing quote.
		maybeCloser := true
		for p.skipCharFind(c) {
			// If this looks like a closing quote, check if it might be an
			// escape for a following quote. If not, we're done.
			if maybeCloser && !p.peekChar(c) {
				return true, nil
			}
			maybeCloser = !maybeCloser
		}

		// Reached end of string and didn't find the closing quote
		cp.restore()
		return false, errorAt(fmt.Errorf("missing closing quote in string literal"), p.lineNum, p.colNum(), p.input)
	}
	return false, nil
}

// peekChar returns true if the current char equals the one passed as parameter.
func (p *Parser) peekChar(c rune) bool {
	return p.pos < len(p.input) && p.char == c
}

// skipChar jumps over the current char if it matches the char passed as a
// parameter. Returns true in that case, false otherwise.
func (p *Parser) skipChar(c rune) bool {
	if p.pos < len(p.input) && p.char == c {
		p.advanceChar()
		return true
	}
	return false
}

// skipCharFind looks for a char that matches the one passed as parameter and
// then advances the parser to jump over it. In that case returns true. If the
// end of the string is reached and no matching char was found, it returns
// false and it does not change the parser.
func (p *Parser) skipCharFind(c rune) bool {
	cp := p.save()
	for p.pos < len(p.input) {
		if p.char == c {
			p.advanceChar()
			return true
		}
		p.advanceChar()
	}
	cp.restore()
	return false
}

// isNameChar returns true if the given char can be part of a name. It returns
// false otherwise.
func isNameChar(c rune) bool {
	return unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_'
}

// isInitialNameChar returns true if the given char can appear at the start of a
// name. It returns false otherwise.
func isInitialNameChar(c rune) bool {
	return unicode.IsLetter(c) || c == '_'
}

// parseTypeName parses a name starting with a letter or underscore and
// followed by letters, digits and underscores. This matches the allowed
// characters in Go type names.
func (p *Parser) parseTypeName() (string, bool) {
	mark := p.pos

	if isInitialNameChar(p.char) {
		p.advanceChar()
		for p.pos < len(p.input) && isNameChar(p.char) {
			p.advanceChar()
		}
	}

	if p.pos > mark {
		return p.input[mark:p.pos], true
	}
	return "", false
}

// parseIdentifier parses a name made up of letters, digits and underscores.
func (p *Parser) parseIdentifier() (string, bool) {
	mark := p.pos
	for p.pos < len(p.input) && isNameChar(p.char) {
		p.advanceChar()
	}
	if p.pos > mark {
		return p.input[mark:p.pos], true
	}
	return "", false
}

// Functions with the prefix parse attempt to parse some construct. They return
// the construct, and an error and/or a bool that indicates if the construct
// was successfully parsed.
//
// Return cases:
//  - bool == true, err == nil
//		The construct was successfully parsed
//  - bool == false, err != nil
//		The construct was recognised but was not correctly formatted
//  - bool == false, err == nil
//		The construct was not the one we are looking for

// parseParamExpr parses a parameter hole: "$Type.member" or "$?".
func (p *Parser) parseParamExpr() (expression, bool, error) {
	cp := p.save()
	if !p.skipChar('$') {
		return nil, false, nil
	}

	if p.skipChar('?') {
		return &anonParamExpr{raw: p.input[cp.pos:p.pos]}, true, nil
	}

	// The error points to the skipped $.
	identifierCol := p.colNum() - 1
	id, ok := p.parseTypeName()
	if !ok {
		// Not a hole, e.g. a "$" used in a string built by the caller.
		cp.restore()
		return nil, false, nil
	}
	if !p.skipChar('.') {
		return nil, false, errorAt(fmt.Errorf("unqualified type, expected %s.<member> or $?", id), p.lineNum, identifierCol, p.input)
	}
	member, ok := p.parseIdentifier()
	if !ok {
		return nil, false, errorAt(fmt.Errorf("invalid identifier suffix following %q", id), p.lineNum, p.colNum(), p.input)
	}
	return &memberParamExpr{
		ma:  memberAccessor{typeName: id, memberName: member},
		raw: p.input[cp.pos:p.pos],
	}, true, nil
}

// parseTableExpr parses a temporary table hole: "#Type" or "#?".
func (p *Parser) parseTableExpr() (expression, bool, error) {
	cp := p.save()
	if !p.skipChar('#') {
		return nil, false, nil
	}

	if p.skipChar('?') {
		return &anonTableExpr{raw: p.input[cp.pos:p.pos]}, true, nil
	}

	id, ok := p.parseTypeName()
	if !ok {
		// A lone "#" is passed through to the database.
		cp.restore()
		return nil, false, nil
	}
	if p.skipChar('.') {
		return nil, false, errorAt(fmt.Errorf("unexpected member access on table hole #%s", id), cp.lineNum, cp.colNum(), p.input)
	}
	return &tableExpr{typeName: id, raw: p.input[cp.pos:p.pos]}, true, nil
}

// Package schema declares tables and resolves locators against them.
//
// A Table renders its CREATE TABLE script once at construction. A Registry
// holds the declared tables in order and resolves an incoming locator to a
// Match naming the table and, for row locators, the addressed primary key.
package schema

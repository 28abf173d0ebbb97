// Package knowledge indexes DANE statistical bulletins and answers ranked
// fragment queries for the statistics specialist.
package knowledge

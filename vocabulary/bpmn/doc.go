// Package bpmn defines the IRIs of the BPMN 2.0 ontology terms used by the
// engine. Process definitions are stored in the defs named graph using these
// classes and predicates; the token executor reads them back to drive
// execution.
//
// The class IRIs follow the FBK BPMN 2.0 ontology namespace so that graphs
// produced by external BPMN-to-RDF converters load without translation.
package bpmn

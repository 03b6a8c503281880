/*
Package engine is the graph core: it owns object lifetimes, verifies graphs
of kernel invocations and executes them.

An Engine holds a fixed-size reference table. Every object (graph, node,
kernel, image, array, scalar, pyramid, delay) is registered there and
carries two hold counts: external holds belong to the application, internal
holds to other objects of the engine. An object is destroyed when both
reach zero, and releasing an engine garbage collects whatever the
application leaked.

A graph goes through verification before it can run:

 1. Parameter validation: required parameters must be bound, input
    validators accept or reject bound objects and output validators describe
    the objects each node will produce. Virtual objects take their shape
    from those descriptions.

 2. Writer check: no two nodes may write overlapping objects.

 3. Allocation: every bound object gets its storage.

 4. Topology: head nodes are found and the graph must be acyclic with every
    node reachable from a head.

 5. Targets and kernels: each target may veto its nodes, then kernel
    initializers run and node local data is allocated.

Execution walks the graph in wavefronts. The first wavefront is the set of
heads. A node joins the next wavefront once every node writing one of its
inputs has executed. Nodes of one wavefront are independent and may be
dispatched in parallel. A node callback can abandon the execution or restart
it from the heads.

Graphs run synchronously with Process, or asynchronously with Schedule and
Wait on the engine's schedule worker. Diagnostics go to a bounded log ring
that applications read with LogEntries or receive through a callback.
*/
package engine
